package sink

import (
	"context"

	"github.com/olivere/elastic"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/levonmo/mongo-listener/conts"
	"github.com/levonmo/mongo-listener/log"
	"github.com/levonmo/mongo-listener/model"
	"github.com/levonmo/mongo-listener/utils"
)

// Elastic upserts each batch into an index with one bulk request.
type Elastic struct {
	client  *elastic.Client
	index   string
	idField string
	log     *logrus.Entry
}

var _ Sink = (*Elastic)(nil)

func NewElastic(client *elastic.Client, index, idField string) *Elastic {
	return &Elastic{
		client:  client,
		index:   index,
		idField: idField,
		log:     log.WithComponent("sink").WithField("index", index),
	}
}

// Requests builds the bulk upserts for a batch. The id field is used as
// the document id and left out of the body.
func (e *Elastic) Requests(docs []model.Document) []elastic.BulkableRequest {
	reqs := make([]elastic.BulkableRequest, 0, len(docs))
	for _, doc := range docs {
		body := make(map[string]interface{}, len(doc))
		for k, v := range doc {
			if k != e.idField {
				body[k] = v
			}
		}
		req := elastic.NewBulkUpdateRequest().
			Index(e.index).
			Type("_doc").
			Id(utils.DocID(doc[e.idField])).
			Doc(body).
			DocAsUpsert(true).
			RetryOnConflict(conts.ElasticMaxRetryOnConflict)
		reqs = append(reqs, req)
	}
	return reqs
}

func (e *Elastic) ProcessDocs(ctx context.Context, docs []model.Document) (Result, error) {
	if len(docs) == 0 {
		return Result{}, nil
	}
	resp, err := e.client.Bulk().Add(e.Requests(docs)...).Do(ctx)
	if err != nil {
		return Result{}, errors.Wrapf(err, "bulk upsert of %d documents failed", len(docs))
	}
	res := Result{Processed: len(docs)}
	failed := resp.Failed()
	if len(failed) > 0 {
		res.Failed = make(map[string]string, len(failed))
		for _, item := range failed {
			reason := "unknown"
			if item.Error != nil {
				reason = item.Error.Type + ": " + item.Error.Reason
			}
			res.Failed[item.Id] = reason
			e.log.Errorf("index: %s, _id: %s, error: %s", item.Index, item.Id, reason)
		}
		res.Processed -= len(failed)
	}
	e.log.Debugf("sync data successCount:%d, failedCount:%d", res.Processed, len(failed))
	return res, nil
}
