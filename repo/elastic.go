package repo

import (
	"github.com/olivere/elastic"
	"github.com/pkg/errors"
)

// NewElastic builds a client without sniffing, so it works behind load
// balancers and in containers.
func NewElastic(url, username, password string) (*elastic.Client, error) {
	opts := []elastic.ClientOptionFunc{elastic.SetSniff(false), elastic.SetURL(url)}
	if username != "" {
		opts = append(opts, elastic.SetBasicAuth(username, password))
	}
	cli, err := elastic.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "connect elastic %s failed", url)
	}
	return cli, nil
}
