package domain

// TransferStat is a point-in-time snapshot of a download's throughput.
// Speeds are bytes per second.
type TransferStat struct {
	DownloadSpeed         int64 `json:"downloadSpeed"`
	UploadSpeed           int64 `json:"uploadSpeed"`
	SessionDownloadLength int64 `json:"sessionDownloadLength"`
	SessionUploadLength   int64 `json:"sessionUploadLength"`
}
