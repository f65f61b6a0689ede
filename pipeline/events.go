package pipeline

import (
	"encoding/json"
	"regexp"
	"strconv"
	"time"

	"github.com/Shopify/sarama"

	"github.com/janelia-flyem/cellflow/cellflow"
)

// KafkaMaxMessageSize is the max message size in bytes for a Kafka message.
const KafkaMaxMessageSize = 980 * cellflow.Kilo

// Event kinds.
const (
	EventStageStart = "stage-start"
	EventStageEnd   = "stage-end"
	EventSkipped    = "chunk-skipped"
	EventFailed     = "stage-failed"
)

// Event is an activity record of a run.
type Event struct {
	RunID   string                 `json:"run_id"`
	Kind    string                 `json:"kind"`
	Stage   string                 `json:"stage,omitempty"`
	Dataset string                 `json:"dataset,omitempty"`
	Time    time.Time              `json:"time"`
	Detail  map[string]interface{} `json:"detail,omitempty"`
}

// Notifier publishes run activity.  Publishing never blocks or fails a run.
type Notifier interface {
	Notify(e Event)
	Close() error
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}
func (nopNotifier) Close() error { return nil }

// kafkaNotifier sends events to a kafka topic through an async producer.
type kafkaNotifier struct {
	producer sarama.AsyncProducer
	topic    string
	done     chan struct{}
}

var topicCleaner = regexp.MustCompile(`[^a-zA-Z0-9\._\-]+`)

// NewNotifier returns a kafka notifier if servers are configured and a no-op
// notifier otherwise.
func NewNotifier(kc KafkaConfig, runID string) (Notifier, error) {
	if len(kc.Servers) == 0 {
		return nopNotifier{}, nil
	}
	topic := kc.TopicActivity
	if topic == "" {
		topic = "cellflowactivity"
	}
	topic = topicCleaner.ReplaceAllString(topic, "-")

	config := sarama.NewConfig()
	config.Producer.MaxMessageBytes = KafkaMaxMessageSize
	if kc.BufferSize > 0 {
		config.ChannelBufferSize = kc.BufferSize
	}
	producer, err := sarama.NewAsyncProducer(kc.Servers, config)
	if err != nil {
		return nil, err
	}
	n := &kafkaNotifier{producer: producer, topic: topic, done: make(chan struct{})}
	go func() {
		defer close(n.done)
		for err := range producer.Errors() {
			cellflow.Errorf("error on kafka send: %v\n", err)
		}
	}()
	cellflow.Infof("Kafka topic for run %s activity: %s\n", runID, topic)
	return n, nil
}

func (n *kafkaNotifier) Notify(e Event) {
	value, err := json.Marshal(e)
	if err != nil {
		cellflow.Errorf("unable to marshal activity for kafka logging: %v\n", err)
		return
	}
	timeKey := sarama.StringEncoder(strconv.FormatInt(e.Time.UnixNano(), 10))
	n.producer.Input() <- &sarama.ProducerMessage{Topic: n.topic, Value: sarama.ByteEncoder(value), Key: timeKey}
}

// Close flushes queued events before stopping.
func (n *kafkaNotifier) Close() error {
	err := n.producer.Close()
	<-n.done
	if err != nil {
		cellflow.Errorf("Kafka producer had error on close: %v\n", err)
		return err
	}
	cellflow.Infof("Successfully shut down kafka producer.\n")
	return nil
}
