package upload

import (
	"sync"
	"time"

	"github.com/i5heu/ouroboros-grid/internal/placement"
	"github.com/i5heu/ouroboros-grid/pkg/model"
	"github.com/i5heu/ouroboros-grid/pkg/uri"
)

// PlacementError carries the happiness numbers of a failed upload.
type PlacementError = placement.HappinessError

// Stage names what an upload is doing.
type Stage string

const (
	StageStarted   Stage = "started"
	StageHashing   Stage = "hashing"
	StagePlacing   Stage = "placing"
	StageEncoding  Stage = "encoding"
	StageHelper    Stage = "helper"
	StageFinished  Stage = "finished"
	StageFailed    Stage = "failed"
	StageLiteral   Stage = "literal"
	StageRepairing Stage = "repairing"
)

// Timings of the phases of one upload.
type Timings struct {
	Convergence time.Duration
	Placement   time.Duration
	Encode      time.Duration
	Total       time.Duration
}

// Results describe a finished upload.
type Results struct {
	Cap uri.Cap
	// Verifier is the verify cap of CHK uploads.
	Verifier     uri.VerifyCap
	StorageIndex model.StorageIndex
	Size         uint64
	// SharesPushed are new shares written by this upload.
	SharesPushed int
	// SharesExisting were already on the grid.
	SharesExisting int
	Happiness      int
	Holders        placement.Holders
	ServersQueried int
	// PreExisting is set when a helper found the file already stored.
	PreExisting bool
	Timings     Timings
}

// UploadStatus tracks one upload for status displays. It is safe for
// concurrent use.
type UploadStatus struct {
	mu       sync.Mutex
	id       uint64
	started  time.Time
	si       model.StorageIndex
	size     uint64
	helper   bool
	stage    Stage
	progress uint64
	active   bool
	results  *Results
	err      error
	abort    func()
}

// StatusSnapshot is a copy of an UploadStatus at one moment.
type StatusSnapshot struct {
	ID           uint64
	Started      time.Time
	StorageIndex model.StorageIndex
	Size         uint64
	Helper       bool
	Stage        Stage
	// Pushed is the ciphertext byte count sent to the encoder so far.
	Pushed  uint64
	Active  bool
	Results *Results
	Err     error
}

func NewUploadStatus(id uint64, started time.Time) *UploadStatus {
	return &UploadStatus{id: id, started: started, stage: StageStarted, active: true}
}

func (s *UploadStatus) ID() uint64 { return s.id }

func (s *UploadStatus) Snapshot() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusSnapshot{
		ID:           s.id,
		Started:      s.started,
		StorageIndex: s.si,
		Size:         s.size,
		Helper:       s.helper,
		Stage:        s.stage,
		Pushed:       s.progress,
		Active:       s.active,
		Results:      s.results,
		Err:          s.err,
	}
}

// Abort asks a running encode to stop at its next segment boundary. It
// does nothing before encoding starts or after the upload ended.
func (s *UploadStatus) Abort() {
	s.mu.Lock()
	abort := s.abort
	s.mu.Unlock()
	if abort != nil {
		abort()
	}
}

func (s *UploadStatus) setAbort(fn func()) {
	s.mu.Lock()
	s.abort = fn
	s.mu.Unlock()
}

func (s *UploadStatus) setStage(st Stage) {
	s.mu.Lock()
	s.stage = st
	s.mu.Unlock()
}

func (s *UploadStatus) setFile(si model.StorageIndex, size uint64) {
	s.mu.Lock()
	s.si, s.size = si, size
	s.mu.Unlock()
}

func (s *UploadStatus) setHelper() {
	s.mu.Lock()
	s.helper = true
	s.mu.Unlock()
}

func (s *UploadStatus) setProgress(pushed uint64) {
	s.mu.Lock()
	s.progress = pushed
	s.mu.Unlock()
}

func (s *UploadStatus) finish(res *Results, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.abort = nil
	s.results, s.err = res, err
	if err != nil {
		s.stage = StageFailed
	} else if s.stage != StageLiteral {
		s.stage = StageFinished
	}
}
