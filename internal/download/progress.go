package download

import (
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/loykin/deployr/internal/artifact"
)

// unknownStep is the logging interval when the total size is unknown.
const unknownStep = 8 << 20

type progress struct {
	logger  *slog.Logger
	ref     artifact.Ref
	written int64
	total   int64
	next    int64
	fn      ProgressFunc
}

func newProgress(logger *slog.Logger, ref artifact.Ref, offset, total int64, fn ProgressFunc) *progress {
	p := &progress{logger: logger, ref: ref, written: offset, total: total, fn: fn}
	p.next = offset + p.step()
	return p
}

func (p *progress) step() int64 {
	if p.total > 0 {
		if s := p.total / 10; s > 0 {
			return s
		}
		return 1
	}
	return unknownStep
}

func (p *progress) add(n int64) {
	p.written += n
	if p.fn != nil {
		p.fn(p.ref, p.written, p.total)
	}
	if p.written < p.next && p.written != p.total {
		return
	}
	for p.next <= p.written {
		p.next += p.step()
	}
	if p.total > 0 {
		p.logger.Info("download progress",
			"artifact", p.ref.FileName,
			"received", humanize.IBytes(uint64(p.written)),
			"total", humanize.IBytes(uint64(p.total)),
			"percent", p.written*100/p.total)
		return
	}
	p.logger.Info("download progress", "artifact", p.ref.FileName, "received", humanize.IBytes(uint64(p.written)))
}
