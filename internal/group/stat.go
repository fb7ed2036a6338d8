package group

import (
	"time"

	"downpour/internal/clock"
	"downpour/internal/domain"
)

// statAggregator derives transfer speeds from session byte counters by
// delta-sampling against the previous snapshot. Callers hold the group lock.
type statAggregator struct {
	clock        clock.Clock
	sessionStart time.Time

	downloadBytes int64
	uploadBytes   int64

	prevAt       time.Time
	prevDownload int64
	prevUpload   int64

	lastDownloadSpeed int64
	lastUploadSpeed   int64
}

func (a *statAggregator) init(clk clock.Clock) {
	a.clock = clk
	now := clk.Now()
	a.sessionStart = now
	a.prevAt = now
}

func (a *statAggregator) addDownload(n int64) { a.downloadBytes += n }

func (a *statAggregator) addUpload(n int64) { a.uploadBytes += n }

func (a *statAggregator) snapshot() domain.TransferStat {
	now := a.clock.Now()
	dt := now.Sub(a.prevAt).Seconds()
	if dt > 0 {
		deltaDown := a.downloadBytes - a.prevDownload
		deltaUp := a.uploadBytes - a.prevUpload
		if deltaDown < 0 {
			deltaDown = 0
		}
		if deltaUp < 0 {
			deltaUp = 0
		}
		a.lastDownloadSpeed = int64(float64(deltaDown) / dt)
		a.lastUploadSpeed = int64(float64(deltaUp) / dt)
		a.prevAt = now
		a.prevDownload = a.downloadBytes
		a.prevUpload = a.uploadBytes
	}
	return domain.TransferStat{
		DownloadSpeed:         a.lastDownloadSpeed,
		UploadSpeed:           a.lastUploadSpeed,
		SessionDownloadLength: a.downloadBytes,
		SessionUploadLength:   a.uploadBytes,
	}
}

func (a *statAggregator) sessionTime() time.Duration {
	return a.clock.Now().Sub(a.sessionStart)
}
