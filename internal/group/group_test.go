package group

import (
	"testing"
	"time"

	"downpour/internal/domain"
	"downpour/internal/option"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestGroup(uris ...string) (*Group, *fakeClock) {
	fc := &fakeClock{now: time.Unix(1700000000, 0)}
	return New(nil, fc, option.NewStore(nil), uris), fc
}

// ---------------------------------------------------------------------------
// Server host registry
// ---------------------------------------------------------------------------

func TestRegisterSearchRemoveServerHost(t *testing.T) {
	g, _ := newTestGroup()

	g.RegisterServerHost(domain.ServerHost{ID: 3, Hostname: "localhost3"})
	g.RegisterServerHost(domain.ServerHost{ID: 1, Hostname: "localhost1"})
	g.RegisterServerHost(domain.ServerHost{ID: 2, Hostname: "localhost2"})

	if _, ok := g.SearchServerHost(0); ok {
		t.Fatal("SearchServerHost(0) found an unregistered host")
	}

	sv, ok := g.SearchServerHost(1)
	if !ok || sv.Hostname != "localhost1" {
		t.Fatalf("SearchServerHost(1) = (%v, %v), want localhost1", sv, ok)
	}

	g.RemoveServerHost(1)
	if _, ok := g.SearchServerHost(1); ok {
		t.Fatal("SearchServerHost(1) found a removed host")
	}

	sv, ok = g.SearchServerHost(2)
	if !ok || sv.Hostname != "localhost2" {
		t.Fatalf("SearchServerHost(2) = (%v, %v), want localhost2", sv, ok)
	}

	// Removing again is idempotent.
	g.RemoveServerHost(1)
}

func TestRegisterServerHostLastWriterWins(t *testing.T) {
	g, _ := newTestGroup()
	g.RegisterServerHost(domain.ServerHost{ID: 7, Hostname: "old"})
	g.RegisterServerHost(domain.ServerHost{ID: 7, Hostname: "new"})

	sv, ok := g.SearchServerHost(7)
	if !ok || sv.Hostname != "new" {
		t.Fatalf("SearchServerHost(7) = (%v, %v), want new", sv, ok)
	}
}

// ---------------------------------------------------------------------------
// URI filtering
// ---------------------------------------------------------------------------

func TestRemoveURIWhoseHostnameIs(t *testing.T) {
	g, _ := newTestGroup(
		"http://localhost/aria2.zip",
		"ftp://localhost/aria2.zip",
		"http://mirror/aria2.zip",
	)

	g.RemoveURIWhoseHostnameIs("localhost")

	remaining := g.RemainingURIs()
	if len(remaining) != 1 {
		t.Fatalf("len(RemainingURIs()) = %d, want 1", len(remaining))
	}
	if remaining[0] != "http://mirror/aria2.zip" {
		t.Fatalf("survivor = %q, want http://mirror/aria2.zip", remaining[0])
	}
}

func TestRemoveURIPreservesSurvivorOrder(t *testing.T) {
	g, _ := newTestGroup(
		"http://a/1", "http://drop/x", "http://b/2", "http://drop/y", "http://c/3",
	)
	g.RemoveURIWhoseHostnameIs("drop")

	want := []string{"http://a/1", "http://b/2", "http://c/3"}
	got := g.RemainingURIs()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("RemainingURIs()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// ---------------------------------------------------------------------------
// File path
// ---------------------------------------------------------------------------

func TestFilePathInMemoryFlag(t *testing.T) {
	g, _ := newTestGroup()
	g.SetDownloadContext(NewSingleFileContext(1024, 1024, "/tmp/myfile"))

	if got := g.FilePath(); got != "/tmp/myfile" {
		t.Fatalf("FilePath() = %q, want /tmp/myfile", got)
	}

	g.MarkInMemoryDownload()
	if got := g.FilePath(); got != "[MEMORY]myfile" {
		t.Fatalf("FilePath() = %q, want [MEMORY]myfile", got)
	}
}

// ---------------------------------------------------------------------------
// Download result rollup
// ---------------------------------------------------------------------------

func TestCreateDownloadResult(t *testing.T) {
	g, _ := newTestGroup("http://first/file", "http://second/file")
	g.SetDownloadContext(NewSingleFileContext(1024, 1024*1024, "/tmp/myfile"))
	g.InitPieceStorage()

	result := g.CreateDownloadResult()
	if result.FilePath != "/tmp/myfile" {
		t.Fatalf("FilePath = %q, want /tmp/myfile", result.FilePath)
	}
	if result.TotalLength != 1024*1024 {
		t.Fatalf("TotalLength = %d, want %d", result.TotalLength, 1024*1024)
	}
	if result.URI != "http://first/file" {
		t.Fatalf("URI = %q, want http://first/file", result.URI)
	}
	if result.NumURI != 2 {
		t.Fatalf("NumURI = %d, want 2", result.NumURI)
	}
	if result.SessionDownloadLength != 0 {
		t.Fatalf("SessionDownloadLength = %d, want 0", result.SessionDownloadLength)
	}
	if result.SessionTime != 0 {
		t.Fatalf("SessionTime = %v, want 0", result.SessionTime)
	}
	if result.Result != domain.ResultUnknownError {
		t.Fatalf("Result = %v, want unknownError", result.Result)
	}

	// The most recently observed failure class wins.
	g.AddURIResult("http://first/file", domain.ResultTimeout)
	g.AddURIResult("http://second/file", domain.ResultResourceNotFound)
	if got := g.CreateDownloadResult().Result; got != domain.ResultResourceNotFound {
		t.Fatalf("Result = %v, want resourceNotFound", got)
	}

	// A complete piece set beats every recorded failure.
	g.PieceStorage().MarkAllPiecesDone()
	if got := g.CreateDownloadResult().Result; got != domain.ResultFinished {
		t.Fatalf("Result = %v, want finished", got)
	}
}

// ---------------------------------------------------------------------------
// URI result extraction
// ---------------------------------------------------------------------------

func TestExtractURIResults(t *testing.T) {
	g, _ := newTestGroup()
	g.AddURIResult("http://timeout/file", domain.ResultTimeout)
	g.AddURIResult("http://finished/file", domain.ResultFinished)
	g.AddURIResult("http://timeout/file2", domain.ResultTimeout)
	g.AddURIResult("http://unknownerror/file", domain.ResultUnknownError)

	extracted := g.ExtractURIResults(domain.ResultTimeout)
	if len(extracted) != 2 {
		t.Fatalf("len(extracted) = %d, want 2", len(extracted))
	}
	if extracted[0].URI != "http://timeout/file" || extracted[1].URI != "http://timeout/file2" {
		t.Fatalf("extracted order wrong: %v", extracted)
	}

	kept := g.URIResults()
	if len(kept) != 2 {
		t.Fatalf("len(kept) = %d, want 2", len(kept))
	}
	if kept[0].URI != "http://finished/file" || kept[1].URI != "http://unknownerror/file" {
		t.Fatalf("kept order wrong: %v", kept)
	}

	// Extraction is idempotent: a second pass finds nothing and disturbs
	// nothing.
	extracted = g.ExtractURIResults(domain.ResultTimeout)
	if len(extracted) != 0 {
		t.Fatalf("second extraction returned %v, want empty", extracted)
	}
	if got := len(g.URIResults()); got != 2 {
		t.Fatalf("len(kept) after second extraction = %d, want 2", got)
	}
}

// ---------------------------------------------------------------------------
// Command accounting and stats
// ---------------------------------------------------------------------------

func TestNumCommandAccounting(t *testing.T) {
	g, _ := newTestGroup()
	g.IncreaseNumCommand()
	g.IncreaseNumCommand()
	if got := g.NumCommand(); got != 2 {
		t.Fatalf("NumCommand() = %d, want 2", got)
	}
	g.DecreaseNumCommand()
	g.DecreaseNumCommand()
	if got := g.NumCommand(); got != 0 {
		t.Fatalf("NumCommand() = %d, want 0", got)
	}
	// Underflow is logged, never negative.
	g.DecreaseNumCommand()
	if got := g.NumCommand(); got != 0 {
		t.Fatalf("NumCommand() after underflow = %d, want 0", got)
	}
}

func TestCalculateStatSpeeds(t *testing.T) {
	g, fc := newTestGroup()

	g.NotifyDownload(10_000)
	g.NotifyUpload(2_000)
	fc.advance(2 * time.Second)

	stat := g.CalculateStat()
	if stat.DownloadSpeed != 5_000 {
		t.Fatalf("DownloadSpeed = %d, want 5000", stat.DownloadSpeed)
	}
	if stat.UploadSpeed != 1_000 {
		t.Fatalf("UploadSpeed = %d, want 1000", stat.UploadSpeed)
	}
	if stat.SessionDownloadLength != 10_000 {
		t.Fatalf("SessionDownloadLength = %d, want 10000", stat.SessionDownloadLength)
	}

	// No new bytes over the next window: speed decays to zero.
	fc.advance(2 * time.Second)
	stat = g.CalculateStat()
	if stat.DownloadSpeed != 0 {
		t.Fatalf("DownloadSpeed after idle window = %d, want 0", stat.DownloadSpeed)
	}
}

func TestTakeURI(t *testing.T) {
	g, _ := newTestGroup("http://a/1", "http://b/2")

	uri, ok := g.TakeURI()
	if !ok || uri != "http://a/1" {
		t.Fatalf("TakeURI() = (%q, %v), want http://a/1", uri, ok)
	}
	if got := len(g.RemainingURIs()); got != 1 {
		t.Fatalf("remaining after take = %d, want 1", got)
	}

	g.TakeURI()
	if _, ok := g.TakeURI(); ok {
		t.Fatal("TakeURI() on empty group reported ok")
	}
}
