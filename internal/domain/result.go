package domain

import "time"

// ResultKind classifies the outcome of one URI attempt or of a whole download.
type ResultKind string

const (
	ResultFinished         ResultKind = "finished"
	ResultTimeout          ResultKind = "timeout"
	ResultResourceNotFound ResultKind = "resourceNotFound"
	ResultDNSFailure       ResultKind = "dnsFailure"
	ResultConnectTimeout   ResultKind = "connectTimeout"
	ResultProtocolError    ResultKind = "protocolError"
	ResultUnknownError     ResultKind = "unknownError"
	ResultAbort            ResultKind = "abort"
)

// URIResult records the outcome of a single URI attempt. Results are kept in
// insertion order; the same URI may appear more than once.
type URIResult struct {
	URI  string     `json:"uri"`
	Kind ResultKind `json:"kind"`
}

// DownloadResult is the final rollup for one download. Result follows
// last-outcome-wins: a finished piece set beats everything, otherwise the most
// recently recorded URI outcome, otherwise unknownError.
type DownloadResult struct {
	ID                    string        `json:"id"`
	FilePath              string        `json:"filePath"`
	TotalLength           int64         `json:"totalLength"`
	URI                   string        `json:"uri"`
	NumURI                int           `json:"numUri"`
	SessionDownloadLength int64         `json:"sessionDownloadLength"`
	SessionTime           time.Duration `json:"sessionTime"`
	Result                ResultKind    `json:"result"`
}
