package relay

import (
	"github.com/rs/zerolog"

	"github.com/adred-codev/chatrelay/internal/metrics"
	"github.com/adred-codev/chatrelay/internal/uploadqueue"
)

// startUploadWorkers launches the fixed worker pool that drains the
// upload queue. Each worker runs until it dequeues a terminator.
func (s *Server) startUploadWorkers() {
	for i := 1; i <= s.cfg.UploadWorkers; i++ {
		s.workersWg.Add(1)
		go s.uploadWorker(i)
	}
}

func (s *Server) uploadWorker(id int) {
	defer s.workersWg.Done()

	logger := s.logger.With().Int("worker_id", id).Logger()
	logger.Debug().Msg("Upload worker running")

	for {
		item := s.uploads.Dequeue()
		metrics.UploadQueueDepth(s.uploads.Len())
		if item.Terminal() {
			logger.Debug().Msg("Upload worker shutting down")
			return
		}
		s.deliverUpload(logger, item)
	}
}

// deliverUpload resolves the recipient at dequeue time and streams the
// header and payload into their notify pipe as one atomic record. The
// directory lookup happens under the directory lock; the stream itself
// does not. Each item is attempted exactly once.
func (s *Server) deliverUpload(logger zerolog.Logger, item *uploadqueue.Item) {
	pipe := s.directory.ResolveNotify(item.Target)
	if pipe == nil {
		logger.Info().
			Str("filename", item.Filename).
			Str("sender", item.Sender).
			Str("target", item.Target).
			Msg("Upload recipient dropped")
		s.sink.Writef("upload %q from %s dropped: recipient %s gone", item.Filename, item.Sender, item.Target)
		metrics.UploadRecipientGone()
		return
	}

	header := fileHeader(item.Filename, item.Size(), item.Sender)
	if _, err := pipe.WriteRecord(header, item.Payload); err != nil {
		logger.Info().
			Err(err).
			Str("filename", item.Filename).
			Str("target", item.Target).
			Msg("Upload delivery failed")
		s.sink.Writef("upload %q from %s to %s failed: %v", item.Filename, item.Sender, item.Target, err)
		metrics.UploadWriteFailed()
		metrics.NotifyDropped()
		return
	}

	logger.Info().
		Str("filename", item.Filename).
		Int("bytes", item.Size()).
		Str("sender", item.Sender).
		Str("target", item.Target).
		Msg("Upload delivered")
	s.sink.Writef("upload %q (%d bytes) delivered from %s to %s", item.Filename, item.Size(), item.Sender, item.Target)
	metrics.UploadDelivered(int64(item.Size()))
}
