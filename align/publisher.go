package align

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const defaultPublishPrefix = "cloudalign"

// StepMessage is the MQTT payload for one iteration.
type StepMessage struct {
	Run         string         `json:"run"`
	Iteration   int            `json:"iteration"`
	Penalty     float64        `json:"penalty"`
	Pairs       int            `json:"pairs"`
	Residuals   ResidualStats  `json:"residuals"`
	Transform   RigidTransform `json:"transform"`
	Termination Termination    `json:"termination"`
	Timestamp   int64          `json:"timestamp"`
}

// StepPublisher publishes alignment progress to MQTT under
// {prefix}/{run}/step and {prefix}/{run}/result.
type StepPublisher struct {
	client        mqtt.Client
	publishPrefix string
	run           string
	qos           byte
	timeout       time.Duration
	log           *zap.SugaredLogger
}

// NewStepPublisher creates a publisher for one run.
// If client is nil, publishing is disabled.
func NewStepPublisher(client mqtt.Client, prefix, run string, logger *zap.SugaredLogger) *StepPublisher {
	if prefix == "" {
		prefix = defaultPublishPrefix
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &StepPublisher{
		client:        client,
		publishPrefix: prefix,
		run:           run,
		qos:           1, // steps are few and ordered; deliver at least once
		timeout:       2 * time.Second,
		log:           logger,
	}
}

// StepTopic returns the topic iterations are published on.
func (p *StepPublisher) StepTopic() string {
	return fmt.Sprintf("%s/%s/step", p.publishPrefix, p.run)
}

// ResultTopic returns the retained topic carrying the final result.
func (p *StepPublisher) ResultTopic() string {
	return fmt.Sprintf("%s/%s/result", p.publishPrefix, p.run)
}

// PublishStep publishes one iteration. The point cloud itself is not sent.
func (p *StepPublisher) PublishStep(s Step) error {
	msg := StepMessage{
		Run:         p.run,
		Iteration:   s.Iteration,
		Penalty:     s.Penalty,
		Pairs:       s.Pairs,
		Residuals:   s.Residuals,
		Transform:   s.Transform,
		Termination: s.Termination,
		Timestamp:   time.Now().Unix(),
	}
	return p.publish(p.StepTopic(), false, msg)
}

// PublishResult publishes the run summary as a retained message.
func (p *StepPublisher) PublishResult(rec *ResultRecord) error {
	return p.publish(p.ResultTopic(), true, rec)
}

// OnStep is a StepFunc that publishes s and logs failures instead of
// returning them.
func (p *StepPublisher) OnStep(s Step) {
	if err := p.PublishStep(s); err != nil {
		p.log.Warnw("publishing step failed", "iteration", s.Iteration, "error", err)
	}
}

func (p *StepPublisher) publish(topic string, retain bool, v interface{}) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	token := p.client.Publish(topic, p.qos, retain, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publishing to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}
