package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnsureWritableDir creates dir if needed and probes it with a throwaway
// file.
func EnsureWritableDir(dir string) error {
	if dir == "" {
		dir = "."
	}
	if !Exists(dir) {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return errors.Wrapf(err, "unable to create %s", dir)
		}
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return errors.Wrapf(err, "unable to create file in %s", dir)
	}
	name := f.Name()
	f.Close()
	if err := os.Remove(name); err != nil {
		return errors.Wrapf(err, "unable to remove %s", filepath.Base(name))
	}
	return nil
}

// DocID renders a document identifier as the string key sinks index by.
func DocID(id interface{}) string {
	switch v := id.(type) {
	case nil:
		return ""
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
