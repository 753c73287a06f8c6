package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HeKunYang1996/netsrv/adapter/httppost"
	"github.com/HeKunYang1996/netsrv/errors"
	"github.com/HeKunYang1996/netsrv/record"
	"github.com/HeKunYang1996/netsrv/route"
)

func cloudBatch(t *testing.T, url string, fieldMap map[string]string) *route.Batch {
	t.Helper()
	gen, err := route.NewGeneration([]*route.Rule{{
		Name:     "aliyun_iot",
		Protocol: route.ProtocolCloud,
		Address:  url,
		Enabled:  true,
		FieldMap: fieldMap,
		Timeout:  2 * time.Second,
	}}, route.Globals{})
	require.NoError(t, err)
	rule, _ := gen.Rule("aliyun_iot")

	b := route.NewBatch(rule, gen.ID)
	b.Append(record.New("comsrv:1:T", map[string]any{"temp": 22.5}, time.Now()))
	return b
}

func TestDeliver_AppliesFieldMapping(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	a := New(httppost.New(nil, nil), nil)
	b := cloudBatch(t, server.URL, map[string]string{
		"timestamp": "ts",
		"property":  "params",
		"point":     "identifier",
	})

	require.NoError(t, a.Deliver(context.Background(), b))
	assert.Contains(t, gotBody, "ts")
	params, ok := gotBody["params"].([]any)
	require.True(t, ok)
	require.Len(t, params, 1)
	point := params[0].(map[string]any)
	assert.Equal(t, "comsrv_1", point["identifier"])
}

func TestDeliver_TransportClassification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	a := New(httppost.New(nil, nil), nil)
	err := a.Deliver(context.Background(), cloudBatch(t, server.URL, nil))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
