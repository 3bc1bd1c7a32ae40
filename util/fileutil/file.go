package fileutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/option"
	"github.com/viant/afs/option/content"
	"github.com/viant/afs/storage"
	_ "github.com/viant/afsc/s3"
)

var fileSystem = afs.New()

func ReadFileBytes(ctx context.Context, filename string) (data []byte, err error) {
	file, err := fileSystem.OpenURL(ctx, filename)
	if err != nil {
		return nil, err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, CloseFile(file))
	}(file)

	buf := &bytes.Buffer{}
	if _, err = io.Copy(buf, file); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func CloseFile(file io.Closer) error {
	return file.Close()
}

func GetPathType(path string) string {
	if strings.HasPrefix(path, "s3://") {
		return "S3"
	}
	return "os"
}

// PathJoinSafe wrapper around filepath.Join to ensure that paths are correctly constructed
// if the path is a normal OS path, just use filepath.Join
// if the path is S3, trim any trailing slashes and construct it manually from the components
// so that double slashes (e.g. s3://) are preserved.
func PathJoinSafe(elem ...string) string {
	var path string

	switch GetPathType(elem[0]) {
	case "S3":
		basePath := strings.TrimSuffix(elem[0], "/")
		path = basePath + "/" + filepath.ToSlash(filepath.Join(elem[1:]...))
	default:
		path = filepath.Join(elem...)
	}
	return path
}

func FileExists(ctx context.Context, filename string) (bool, error) {
	return fileSystem.Exists(ctx, filename)
}

// ListFiles returns the names of the regular files directly inside dir that end with suffix,
// sorted lexicographically. A missing directory yields no names and no error.
func ListFiles(ctx context.Context, dir string, suffix string) ([]string, error) {
	exists, err := fileSystem.Exists(ctx, dir)
	if err != nil || !exists {
		return nil, err
	}
	objects, err := fileSystem.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, object := range objects {
		if object.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(object.Name()), suffix) {
			names = append(names, object.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func WalkDir() func(ctx context.Context, URL string, handler storage.OnVisit, options ...storage.Option) error {
	return fileSystem.Walk
}

func CreateDir(ctx context.Context, dir string) error {
	return fileSystem.Create(ctx, dir, os.ModePerm, true)
}

func NewFileWriter(ctx context.Context, filename string, contentType string) (io.WriteCloser, error) {
	exists, err := FileExists(ctx, filename)
	if err != nil {
		return nil, err
	}
	if exists {
		err = fileSystem.Delete(ctx, filename)
		if err != nil {
			return nil, err
		}
	}
	if contentType != "" {
		return fileSystem.NewWriter(ctx, filename, 0o644, content.NewMeta(content.Type, contentType), option.NewSkipChecksum(true))
	}
	return fileSystem.NewWriter(ctx, filename, 0o644, option.NewSkipChecksum(true))
}

// CopyFile copies a single file, replacing the destination.
func CopyFile(ctx context.Context, source, destination string) error {
	exists, err := FileExists(ctx, destination)
	if err != nil {
		return err
	}
	if exists {
		if err = fileSystem.Delete(ctx, destination); err != nil {
			return err
		}
	}
	return fileSystem.Copy(ctx, source, destination)
}

// IsDir reports whether path is a folder.
func IsDir(ctx context.Context, path string) (bool, error) {
	object, err := fileSystem.Object(ctx, path)
	if err != nil {
		return false, err
	}
	return object.IsDir(), nil
}
