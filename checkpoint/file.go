package checkpoint

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/levonmo/mongo-listener/log"
	"github.com/levonmo/mongo-listener/model"
	"github.com/levonmo/mongo-listener/utils"
)

// File keeps the position as text in a local file, overwritten on every
// Set.
type File struct {
	path string
	log  *logrus.Entry
}

var _ Store = (*File)(nil)

// NewFile makes sure the directory holding path is writable.
func NewFile(path string) (*File, error) {
	if err := utils.EnsureWritableDir(filepath.Dir(path)); err != nil {
		return nil, errors.Wrapf(err, "checkpoint directory for %s is not writable", path)
	}
	return &File{
		path: path,
		log:  log.WithComponent("checkpoint").WithField("path", path),
	}, nil
}

// Get returns nil when the file does not exist. A file that cannot be
// parsed is logged and treated as absent.
func (f *File) Get(_ context.Context) (*model.Position, error) {
	if !utils.Exists(f.path) {
		return nil, nil
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read checkpoint file")
	}
	pos, err := model.ParsePosition(string(data))
	if err != nil {
		f.log.WithError(err).Error("error reading lastop file")
		return nil, nil
	}
	return &pos, nil
}

func (f *File) Set(_ context.Context, pos model.Position) error {
	if err := os.WriteFile(f.path, []byte(pos.String()), 0644); err != nil {
		return errors.Wrap(err, "unable to write checkpoint file")
	}
	return nil
}
