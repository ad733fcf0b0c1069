package sink

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/levonmo/mongo-listener/model"
)

func TestNoop(t *testing.T) {
	n := &Noop{Delay: time.Millisecond}
	res, err := n.ProcessDocs(context.Background(), []model.Document{{"objectID": 1}, {"objectID": 2}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&Noop{Delay: time.Hour}).ProcessDocs(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestElasticRequests(t *testing.T) {
	e := NewElastic(nil, "shop__products", "objectID")
	reqs := e.Requests([]model.Document{
		{"objectID": "a1", "title": "shoe"},
		{"objectID": int64(7), "title": "hat"},
	})
	require.Len(t, reqs, 2)

	lines, err := reqs[0].Source()
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"_index":"shop__products"`)
	assert.Contains(t, lines[0], `"_id":"a1"`)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &body))
	assert.Equal(t, true, body["doc_as_upsert"])
	assert.Equal(t, map[string]interface{}{"title": "shoe"}, body["doc"])

	lines, err = reqs[1].Source()
	require.NoError(t, err)
	assert.Contains(t, lines[0], `"_id":"7"`)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafka(t *testing.T) {
	w := &fakeWriter{}
	k := NewKafka(w, "objectID")
	res, err := k.ProcessDocs(context.Background(), []model.Document{
		{"objectID": "a1", "title": "shoe"},
		{"objectID": 2, "title": "hat"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "a1", string(w.msgs[0].Key))
	assert.Equal(t, "2", string(w.msgs[1].Key))
	assert.JSONEq(t, `{"objectID":"a1","title":"shoe"}`, string(w.msgs[0].Value))

	w.err = errors.New("broker down")
	_, err = k.ProcessDocs(context.Background(), []model.Document{{"objectID": "x"}})
	assert.Error(t, err)
}
