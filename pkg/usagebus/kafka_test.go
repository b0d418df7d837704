package usagebus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"toolgate/pkg/models"
)

func TestKafkaConfigValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaPublisher(KafkaConfig{Topic: "usage"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}}); err == nil {
		t.Fatal("expected error when topic is missing")
	}
	if _, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "usage"}); err == nil {
		t.Fatal("expected error when group id is missing")
	}
}

func TestNewKafkaClientsTrimBrokerList(t *testing.T) {
	t.Parallel()

	cfg := KafkaConfig{Brokers: []string{" ", "127.0.0.1:9092", "\t"}, Topic: "usage", GroupID: "g1"}
	pub, err := NewKafkaPublisher(cfg)
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("close publisher: %v", err)
	}
	consumer, err := NewKafkaConsumer(cfg)
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	if err := consumer.Close(); err != nil {
		t.Fatalf("close consumer: %v", err)
	}
}

type fakeKafkaWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error { return nil }

func TestKafkaPublisherPublish(t *testing.T) {
	w := &fakeKafkaWriter{}
	p := &KafkaPublisher{writer: w}
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	evt := models.UsageEvent{DecisionID: "d-1", Tenant: "acme", UserID: "u-1", Tool: "web_search", Plan: models.PlanPro, Outcome: "succeeded", DurationMS: 12, At: at}
	if err := p.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "acme:u-1" || !msg.Time.Equal(at) {
		t.Fatalf("unexpected message key/time %q %v", msg.Key, msg.Time)
	}
	var decoded models.UsageEvent
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Tool != "web_search" || decoded.Plan != models.PlanPro {
		t.Fatalf("unexpected payload %+v", decoded)
	}

	w.err = errors.New("broker down")
	if err := p.Publish(context.Background(), evt); err == nil {
		t.Fatal("expected write error")
	}

	var nilPub *KafkaPublisher
	if err := nilPub.Publish(context.Background(), evt); err == nil {
		t.Fatal("expected error from nil publisher")
	}
	if err := nilPub.Close(); err != nil {
		t.Fatalf("nil close should be no-op, got %v", err)
	}
}

type fakeKafkaReader struct {
	msg kafka.Message
	err error
}

func (f *fakeKafkaReader) ReadMessage(context.Context) (kafka.Message, error) {
	if f.err != nil {
		return kafka.Message{}, f.err
	}
	return f.msg, nil
}

func (f *fakeKafkaReader) Close() error { return nil }

func TestKafkaConsumerRead(t *testing.T) {
	t.Run("reader_error", func(t *testing.T) {
		c := &KafkaConsumer{reader: &fakeKafkaReader{err: errors.New("read failed")}}
		if _, err := c.Read(context.Background()); err == nil {
			t.Fatal("expected reader error")
		}
	})

	t.Run("bad_payload", func(t *testing.T) {
		c := &KafkaConsumer{reader: &fakeKafkaReader{msg: kafka.Message{Value: []byte(`{`), Offset: 7}}}
		if _, err := c.Read(context.Background()); err == nil {
			t.Fatal("expected decode error")
		}
	})

	t.Run("success", func(t *testing.T) {
		c := &KafkaConsumer{reader: &fakeKafkaReader{msg: kafka.Message{Value: []byte(`{"tool":"calculator","user_id":"u"}`)}}}
		evt, err := c.Read(context.Background())
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if evt.Tool != "calculator" || evt.UserID != "u" {
			t.Fatalf("unexpected event %+v", evt)
		}
	})

	t.Run("uninitialized", func(t *testing.T) {
		var nilConsumer *KafkaConsumer
		if err := nilConsumer.Close(); err != nil {
			t.Fatalf("nil close: %v", err)
		}
		if _, err := (&KafkaConsumer{}).Read(context.Background()); err == nil {
			t.Fatal("expected uninitialized error")
		}
	})
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), models.UsageEvent{}); err != nil {
		t.Fatalf("nop publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("nop close: %v", err)
	}
}
