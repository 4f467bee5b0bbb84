package export

import (
	"context"
	"os"
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
	"github.com/segmentio/kafka-go"
)

const (
	fileLayout  = "20060102_150405"
	currentName = "orders_current.json"
)

// FileSink writes each batch to a timestamped file and refreshes
// orders_current.json. With Archive set a gzip copy is kept under archive/.
type FileSink struct {
	Dir     string
	Archive bool
}

var _ Sink = (*FileSink)(nil)

// Name implements Sink.
func (s *FileSink) Name() string { return "file" }

// Write implements Sink.
func (s *FileSink) Write(_ context.Context, b Batch) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return errors.Wrap(err, "create export dir")
	}
	doc := Document(b.Records)
	name := "orders_" + b.At.Format(fileLayout) + ".json"

	if err := writeAtomic(filepath.Join(s.Dir, name), doc); err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(s.Dir, currentName), doc); err != nil {
		return err
	}
	if s.Archive {
		if err := s.archive(name, doc); err != nil {
			return errors.Wrap(err, "archive")
		}
	}
	return nil
}

func (s *FileSink) archive(name string, doc []byte) error {
	dir := filepath.Join(s.Dir, "archive")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, name+".gz")
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	zw := pgzip.NewWriter(f)
	zw.Name = name
	if _, err := zw.Write(doc); err != nil {
		_ = f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// writeAtomic replaces path so readers never see a partial file.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", filepath.Base(path))
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "rename %s", filepath.Base(path))
	}
	return nil
}

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink publishes one message per order keyed by order number.
type KafkaSink struct {
	Writer MessageWriter
}

var _ Sink = (*KafkaSink)(nil)

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Write implements Sink.
func (s *KafkaSink) Write(ctx context.Context, b Batch) error {
	msgs := make([]kafka.Message, 0, len(b.Records))
	for _, r := range b.Records {
		msgs = append(msgs, kafka.Message{
			Key:   []byte(r.OrderNumber),
			Value: r.Data,
			Time:  b.At,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte("order.exported")},
				{Key: "order_status", Value: []byte(r.Status)},
			},
		})
	}
	if err := s.Writer.WriteMessages(ctx, msgs...); err != nil {
		return errors.Wrap(err, "publish")
	}
	return nil
}
