package align

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var _ mqtt.Client = (*MockClient)(nil)

func TestStepPublisher_PublishesEveryIteration(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)
	pub := NewStepPublisher(client, "test", "run-1", nil)

	target := unitCube()
	source := perturbed(target, AxisAngle(Point{X: 1}, 0.05), NewPoint(0, 0.05, 0))
	cfg := DefaultConfig()
	cfg.MaxIterations = 3
	cfg.ConvergenceBound = 0
	cfg.OnStep = pub.OnStep

	result, err := Run(source, target, cfg)
	require.NoError(t, err)
	require.NoError(t, pub.PublishResult(NewResultRecord("a", "b", result, time.Now())))

	msgs := client.PublishedMessages()
	require.Len(t, msgs, 4)
	for i, m := range msgs[:3] {
		assert.Equal(t, "test/run-1/step", m.Topic)
		assert.False(t, m.Retain)
		var sm StepMessage
		require.NoError(t, json.Unmarshal(m.Payload, &sm))
		assert.Equal(t, i+1, sm.Iteration)
		assert.Equal(t, "run-1", sm.Run)
	}

	last := msgs[3]
	assert.Equal(t, "test/run-1/result", last.Topic)
	assert.True(t, last.Retain)
	var rec ResultRecord
	require.NoError(t, json.Unmarshal(last.Payload, &rec))
	assert.Equal(t, Exhausted, rec.Termination)
	assert.Equal(t, 3, rec.Iterations)
}

func TestStepPublisher_NotConnected(t *testing.T) {
	pub := NewStepPublisher(nil, "", "r", nil)
	assert.Equal(t, "cloudalign/r/step", pub.StepTopic())
	assert.Error(t, pub.PublishStep(Step{}))

	client := NewMockClient()
	pub = NewStepPublisher(client, "p", "r", nil)
	assert.Error(t, pub.PublishStep(Step{}))
}

func TestStepPublisher_OnStepLogsFailures(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	client := NewMockClient()
	client.SetConnected(true)
	client.SetPublishError(errors.New("broker gone"))

	pub := NewStepPublisher(client, "p", "r", zap.New(core).Sugar())
	pub.OnStep(Step{Iteration: 4})

	entries := logs.FilterMessage("publishing step failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(4), entries[0].ContextMap()["iteration"])
}

func TestResolveMQTTConfig_EnvOverrides(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://env:1883")
	t.Setenv("MQTT_PUBLISH_PREFIX", "envprefix")
	t.Setenv("MQTT_CLIENT_ID", "")
	t.Setenv("MQTT_USERNAME", "")
	t.Setenv("MQTT_PASSWORD", "")

	cfg := ResolveMQTTConfig(MQTTConfig{Broker: "tcp://file:1883", Username: "u"})
	assert.Equal(t, "tcp://env:1883", cfg.Broker)
	assert.Equal(t, "envprefix", cfg.PublishPrefix)
	assert.Equal(t, defaultClientID, cfg.ClientID)
	assert.Equal(t, "u", cfg.Username)
}

func TestConnectMQTT_DisabledWithoutBroker(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	client, cfg, err := ConnectMQTT(MQTTConfig{}, time.Second, nil)
	require.NoError(t, err)
	assert.Nil(t, client)
	assert.Equal(t, defaultPublishPrefix, cfg.PublishPrefix)
}

func TestClientOptions(t *testing.T) {
	opts := ClientOptions(MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "id", Username: "u", Password: "p"}, zap.NewNop().Sugar())
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "localhost:1883", opts.Servers[0].Host)
	assert.Equal(t, "id", opts.ClientID)
	assert.Equal(t, "u", opts.Username)
	assert.True(t, opts.AutoReconnect)
}
