package executor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/queue"
)

func TestQueueProducerEnqueues(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	require.NoError(t, env.Deps.Queue.Subscribe(ctx, "orders.out", "test", func(ctx context.Context, d *queue.Delivery) error {
		received <- d.Payload
		return nil
	}))

	n := node("q", model.NodeQueueProducer, map[string]interface{}{"topic": "orders.out"})
	out, err := execQueueProducer(ctx, n, model.Payload{"orderId": "A-1"}, env)
	require.NoError(t, err)
	assert.Equal(t, true, out["enqueued"])
	assert.Equal(t, "orders.out", out["topic"])

	select {
	case raw := <-received:
		var got map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, "A-1", got["orderId"])
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery on orders.out")
	}
}

func TestQueueProducerWithoutTopic(t *testing.T) {
	env := newExecEnv(t)

	_, err := execQueueProducer(context.Background(), node("q", model.NodeQueueProducer, nil), model.Payload{}, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestEgressLogMode(t *testing.T) {
	env := newExecEnv(t)

	out, err := execEgress(context.Background(), node("e", model.NodeEgress, nil), model.Payload{"done": true}, env)
	require.NoError(t, err)
	assert.Equal(t, true, out["emitted"])
	assert.Equal(t, "log", out["mode"])
}

func TestEgressUnknownMode(t *testing.T) {
	env := newExecEnv(t)
	n := node("e", model.NodeEgress, map[string]interface{}{"mode": "carrier-pigeon"})

	_, err := execEgress(context.Background(), n, model.Payload{}, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestEgressWebhookDeliversAndSigns(t *testing.T) {
	env := newExecEnv(t)
	signID := seedSecret(t, env, "hook-signer", model.IntegrationCustom,
		map[string]interface{}{"signingKey": "shh-sign"})

	var gotBody []byte
	var gotSig, gotFlow string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Trellis-Signature")
		gotFlow = r.Header.Get("X-Trellis-Flow")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := node("e", model.NodeEgress, map[string]interface{}{
		"mode":            "webhook",
		"url":             srv.URL,
		"signingSecretId": signID,
	})
	out, err := execEgress(context.Background(), n, model.Payload{"orderId": "A-1"}, env)
	require.NoError(t, err)
	assert.Equal(t, "webhook", out["mode"])
	assert.Equal(t, 202, out["status"])
	assert.Equal(t, env.FlowID, gotFlow)

	mac := hmac.New(sha256.New, []byte("shh-sign"))
	mac.Write(gotBody)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestEgressWebhookWithoutURL(t *testing.T) {
	env := newExecEnv(t)
	n := node("e", model.NodeEgress, map[string]interface{}{"mode": "webhook"})

	_, err := execEgress(context.Background(), n, model.Payload{}, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestEgressEmailConfigValidation(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	n := node("e", model.NodeEgress, map[string]interface{}{"mode": "email"})
	_, err := execEgress(ctx, n, model.Payload{}, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	n.Config["secretId"] = "some-secret"
	_, err = execEgress(ctx, n, model.Payload{}, env)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}
