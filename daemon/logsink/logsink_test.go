package logsink

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"

	"github.com/wasmiot/supervisor/daemon/config"
)

func TestHookPostsFormEncodedRecord(t *testing.T) {
	records := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NilError(t, r.ParseForm())
		var record map[string]any
		assert.NilError(t, json.Unmarshal([]byte(r.PostForm.Get("logData")), &record))
		records <- record
	}))
	defer srv.Close()

	cfg := &config.Config{Name: "edge-1", Host: "10.0.0.5", LoggingEndpoint: srv.URL}
	hook := New(cfg, srv.Client())

	logger := logrus.New()
	entry := logger.WithField("deployment", "dep-1")
	entry.Level = logrus.InfoLevel
	entry.Message = "deployment created"
	entry.Time = time.Now()
	assert.NilError(t, hook.Fire(entry))

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		select {
		case record := <-records:
			assert.Equal(t, record["message"], "deployment created")
			assert.Equal(t, record["deviceName"], "edge-1")
			assert.Equal(t, record["deviceIP"], "10.0.0.5")
			assert.Equal(t, record["deployment"], "dep-1")
			return poll.Success()
		default:
			return poll.Continue("record not received yet")
		}
	})
}

func TestHookWithoutEndpointIsNoop(t *testing.T) {
	hook := New(&config.Config{}, nil)
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "dropped"
	assert.NilError(t, hook.Fire(entry))
}
