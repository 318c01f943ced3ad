package progress

import (
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"
)

// Reader wraps an io.Reader and reports progress via a callback every
// interval bytes. Offset accounts for bytes already on disk before the read
// started, so resumed transfers report absolute positions.
type Reader struct {
	Reader     io.Reader
	Offset     int64
	Total      int64
	OnProgress func(written int64, total int64)

	totalRead      int64
	lastReport     int64
	reportInterval int64
}

func NewReader(r io.Reader, offset, total, interval int64, cb func(written int64, total int64)) *Reader {
	return &Reader{
		Reader:         r,
		Offset:         offset,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

// Written returns the absolute number of bytes seen, including Offset.
func (pr *Reader) Written() int64 {
	return pr.Offset + pr.totalRead
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.OnProgress != nil && pr.reportInterval > 0 && pr.lastReport >= pr.reportInterval {
			pr.OnProgress(pr.Written(), pr.Total)
			pr.lastReport = 0
		}
	}

	return n, err
}

// LogProgress returns a callback that logs humanized progress at debug level.
func LogProgress(logger *slog.Logger, url string) func(written int64, total int64) {
	return func(written int64, total int64) {
		if total > 0 {
			logger.Debug("download progress",
				"url", url,
				"downloaded", humanize.Bytes(uint64(written)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(written)*100/float64(total), 2))
		} else {
			logger.Debug("download progress", "url", url, "downloaded", humanize.Bytes(uint64(written)))
		}
	}
}
