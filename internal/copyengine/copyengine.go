// Package copyengine implements the copy/move job:
// a single FileCopyJob type that handles both copy and move, routes each
// source through a strategy (local move, reflink clone, stream copy, or
// remote stream), tracks throughput with an EMA-based SpeedTracker, and
// resumes via a completed-indices set.
package copyengine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/filedevice/core/internal/jobs"
	"github.com/filedevice/core/internal/tasksys"
)

// Phase is the copy job's reported pipeline stage.
type Phase string

const (
	PhaseInitializing  Phase = "initializing"
	PhaseDatabaseQuery Phase = "database_query"
	PhasePreparation   Phase = "preparation"
	PhaseCopying       Phase = "copying"
	PhaseComplete      Phase = "complete"
)

// Method hints which strategy to prefer for same-volume copies.
type Method string

const (
	MethodAuto   Method = "auto"
	MethodClone  Method = "clone"
	MethodStream Method = "stream"
)

// Conflict controls what happens when the destination path already
// exists.
type Conflict string

const (
	ConflictSkip           Conflict = "skip"
	ConflictAutoModifyName Conflict = "auto_modify_name"
	ConflictOverwrite      Conflict = "overwrite"
	ConflictAbort          Conflict = "abort"
)

// Strategy names the concrete mechanism chosen for one source.
type Strategy string

const (
	StrategyLocalMove   Strategy = "local_move"
	StrategyReflinkClone Strategy = "reflink_clone"
	StrategyStreamCopy  Strategy = "stream_copy"
	StrategyRemoteStream Strategy = "remote_stream"
)

// Options configures a FileCopyJob.
type Options struct {
	Overwrite         bool
	VerifyChecksum    bool
	PreserveTimestamps bool
	DeleteAfterCopy   bool // move = copy with this set true
	Method            Method
	Conflict          Conflict
}

// SourceMetadata is the per-source manifest entry persisted during
// Preparation so a UI querying the job gets a live file manifest.
type SourceMetadata struct {
	Path       string
	Size       int64
	IsDir      bool
	EntryID    string // empty if not indexed
	Status     string // Pending | Copying | Completed | Skipped | Failed
	Strategy   Strategy
}

// Progress is the aggregated CopyProgress record reported each tick.
type Progress struct {
	Phase           Phase
	FilesCopied     int
	TotalFiles      int
	BytesCopied     int64
	TotalBytes      int64
	RateBytesPerSec float64
	ETA             *time.Duration
	StrategyMeta    string
}

// SpeedTracker computes an exponential moving average of copy
// throughput, throttled to at most one update per 50ms.
type SpeedTracker struct {
	mu          sync.Mutex
	alpha       float64
	lastUpdate  time.Time
	lastBytes   int64
	avgRate     float64
	minInterval time.Duration
}

func NewSpeedTracker() *SpeedTracker {
	return &SpeedTracker{alpha: 0.3, minInterval: 50 * time.Millisecond}
}

// Observe records a cumulative-bytes-copied sample. Returns the current
// average rate in bytes/sec; returns the prior average unchanged if
// called before minInterval has elapsed since the last accepted sample.
func (st *SpeedTracker) Observe(cumulativeBytes int64) float64 {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	if st.lastUpdate.IsZero() {
		st.lastUpdate = now
		st.lastBytes = cumulativeBytes
		return st.avgRate
	}

	elapsed := now.Sub(st.lastUpdate)
	if elapsed < st.minInterval {
		return st.avgRate
	}

	deltaBytes := cumulativeBytes - st.lastBytes
	instantRate := float64(deltaBytes) / elapsed.Seconds()

	if st.avgRate == 0 {
		st.avgRate = instantRate
	} else {
		st.avgRate = st.alpha*instantRate + (1-st.alpha)*st.avgRate
	}

	st.lastUpdate = now
	st.lastBytes = cumulativeBytes
	return st.avgRate
}

// ETA returns remaining/avg_rate when rate >= 1 B/s, else nil (undefined).
func (st *SpeedTracker) ETA(remainingBytes int64) *time.Duration {
	st.mu.Lock()
	rate := st.avgRate
	st.mu.Unlock()

	if rate < 1 {
		return nil
	}
	d := time.Duration(float64(remainingBytes) / rate * float64(time.Second))
	return &d
}

// HumanRate formats the current average rate for display, e.g. "42 MB/s".
func (st *SpeedTracker) HumanRate() string {
	st.mu.Lock()
	rate := st.avgRate
	st.mu.Unlock()
	return humanize.Bytes(uint64(rate)) + "/s"
}

// VolumeManager answers same-device/same-volume questions used for
// strategy selection.
type VolumeManager interface {
	SameDevice(a, b string) (bool, error)
	SupportsReflink(path string) bool
}

// osVolumeManager answers volume questions using the host's stat(2)
// device id and a best-effort FICLONE probe for reflink support.
type osVolumeManager struct{}

func NewOSVolumeManager() VolumeManager { return osVolumeManager{} }

func (osVolumeManager) SameDevice(a, b string) (bool, error) {
	var sa, sb unix.Stat_t
	if err := unix.Stat(filepath.Dir(a), &sa); err != nil {
		return false, fmt.Errorf("stat %s: %w", a, err)
	}
	if err := unix.Stat(filepath.Dir(b), &sb); err != nil {
		return false, fmt.Errorf("stat %s: %w", b, err)
	}
	return sa.Dev == sb.Dev, nil
}

// SupportsReflink is a conservative probe: only btrfs/xfs/apfs-style
// filesystems that expose FICLONE are treated as clone-capable; anything
// else falls back to stream copy.
func (osVolumeManager) SupportsReflink(path string) bool {
	var fsStat unix.Statfs_t
	if err := unix.Statfs(filepath.Dir(path), &fsStat); err != nil {
		return false
	}
	switch fsStat.Type {
	case 0x9123683E: // BTRFS_SUPER_MAGIC
		return true
	case 0x58465342: // XFS_SUPER_MAGIC
		return true
	default:
		return false
	}
}

// SelectStrategy implements the strategy selection order.
func SelectStrategy(sameDevice, sameVolume, isMove bool, method Method, vm VolumeManager, dst string) Strategy {
	if sameDevice && sameVolume && isMove {
		return StrategyLocalMove
	}
	if sameDevice && sameVolume && method == MethodAuto && vm != nil && vm.SupportsReflink(dst) {
		return StrategyReflinkClone
	}
	if sameDevice && sameVolume && method == MethodClone && vm != nil && vm.SupportsReflink(dst) {
		return StrategyReflinkClone
	}
	if sameDevice {
		return StrategyStreamCopy
	}
	return StrategyRemoteStream
}

// progressSignalFileComplete is the sentinel signal value marking file completion on
// the strategy progress callback, per the `signal = u64::MAX` sentinel.
const progressSignalFileComplete = ^uint64(0)

// CopyCallback receives (bytes in current file, signal).
type CopyCallback func(bytesInCurrentFile uint64, signal uint64)

// FileCopyJob is the single job type handling both copy and move.
type FileCopyJob struct {
	Sources        []string
	Destination    string
	Options        Options
	VolumeManager  VolumeManager

	completedIndices map[int]struct{}
	metadata         []SourceMetadata
	speed            *SpeedTracker
	totalBytes       int64
	totalFiles       int
	bytesCopied      int64
	filesCopied      int
}

func NewFileCopyJob(sources []string, destination string, opts Options) *FileCopyJob {
	return &FileCopyJob{
		Sources:          sources,
		Destination:      destination,
		Options:          opts,
		VolumeManager:    NewOSVolumeManager(),
		completedIndices: make(map[int]struct{}),
		speed:            NewSpeedTracker(),
	}
}

func (j *FileCopyJob) TypeName() string    { return "file_copy" }
func (j *FileCopyJob) ShouldPersist() bool { return true }

// serializedCopyJob is the on-disk checkpoint for a paused FileCopyJob:
// enough to rebuild the job and skip sources already completed.
type serializedCopyJob struct {
	Sources          []string       `json:"sources"`
	Destination      string         `json:"destination"`
	Options          Options        `json:"options"`
	CompletedIndices []int          `json:"completed_indices"`
	FilesCopied      int            `json:"files_copied"`
	BytesCopied      int64          `json:"bytes_copied"`
}

func (j *FileCopyJob) Serialize() ([]byte, error) {
	completed := make([]int, 0, len(j.completedIndices))
	for idx := range j.completedIndices {
		completed = append(completed, idx)
	}
	sort.Ints(completed)
	return json.Marshal(serializedCopyJob{
		Sources:          j.Sources,
		Destination:      j.Destination,
		Options:          j.Options,
		CompletedIndices: completed,
		FilesCopied:      j.filesCopied,
		BytesCopied:      j.bytesCopied,
	})
}

// DeserializeFileCopyJob rebuilds a paused FileCopyJob from its persisted
// checkpoint, re-marking sources finished in a prior run as complete so
// the resumed run only copies what remains.
func DeserializeFileCopyJob(state []byte) (jobs.Job, error) {
	var s serializedCopyJob
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, fmt.Errorf("deserialize file_copy job: %w", err)
	}
	job := NewFileCopyJob(s.Sources, s.Destination, s.Options)
	job.filesCopied = s.FilesCopied
	job.bytesCopied = s.BytesCopied
	for _, idx := range s.CompletedIndices {
		job.completedIndices[idx] = struct{}{}
	}
	return job, nil
}

// Run drives the Initializing -> DatabaseQuery -> Preparation -> Copying
// -> Complete pipeline.
func (j *FileCopyJob) Run(ctx context.Context, jctx *jobs.JobContext) tasksys.Result {
	jctx.Progress(string(PhaseInitializing), Progress{Phase: PhaseInitializing})

	jctx.Progress(string(PhaseDatabaseQuery), Progress{Phase: PhaseDatabaseQuery})
	// Entry-store estimates are best-effort and optional; callers that
	// wire an entry store lookup do so by pre-populating j.totalFiles /
	// j.totalBytes before Run, which Preparation below will overwrite
	// with exact values once the filesystem walk completes.

	if err := j.preparation(); err != nil {
		return tasksys.Result{Status: tasksys.StatusDone, Err: fmt.Errorf("copy preparation: %w", err)}
	}
	jctx.Progress(string(PhasePreparation), Progress{
		Phase: PhasePreparation, TotalFiles: j.totalFiles, TotalBytes: j.totalBytes,
	})

	if paused, cancelled := jctx.Interrupter().CheckInterrupt(); paused {
		return tasksys.Result{Status: tasksys.StatusPaused, State: mustSerialize(j)}
	} else if cancelled {
		return tasksys.Result{Status: tasksys.StatusCancelled}
	}

	if err := j.copying(ctx, jctx); err != nil {
		if err == errPaused {
			return tasksys.Result{Status: tasksys.StatusPaused, State: mustSerialize(j)}
		}
		if err == errCancelled {
			return tasksys.Result{Status: tasksys.StatusCancelled}
		}
		return tasksys.Result{Status: tasksys.StatusDone, Err: fmt.Errorf("copying: %w", err)}
	}

	jctx.Progress(string(PhaseComplete), Progress{Phase: PhaseComplete, FilesCopied: j.filesCopied, TotalFiles: j.totalFiles})
	return tasksys.Result{Status: tasksys.StatusDone, Output: j.metadata}
}

func mustSerialize(j *FileCopyJob) []byte {
	b, _ := j.Serialize()
	return b
}

var errPaused = fmt.Errorf("copy job paused")
var errCancelled = fmt.Errorf("copy job cancelled")

// preparation walks sources to compute exact file count/size and builds
// the per-source metadata manifest.
func (j *FileCopyJob) preparation() error {
	for _, src := range j.Sources {
		info, err := os.Lstat(src)
		if err != nil {
			return fmt.Errorf("stat source %s: %w", src, err)
		}

		if info.IsDir() {
			var dirSize int64
			err := filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
				if err != nil {
					log.Printf("[copyengine] walk %s: %v", path, err)
					return nil
				}
				if !fi.IsDir() {
					dirSize += fi.Size()
					j.totalFiles++
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("walk source directory %s: %w", src, err)
			}
			j.totalBytes += dirSize
			j.metadata = append(j.metadata, SourceMetadata{Path: src, Size: dirSize, IsDir: true, Status: "Pending"})
		} else {
			j.totalBytes += info.Size()
			j.totalFiles++
			j.metadata = append(j.metadata, SourceMetadata{Path: src, Size: info.Size(), IsDir: false, Status: "Pending"})
		}
	}
	return nil
}

// destinationFor implements the destination-path rule: rename if
// destination is a file and there is only one source; otherwise append
// the source's basename.
func (j *FileCopyJob) destinationFor(src string) string {
	if len(j.Sources) == 1 {
		if info, err := os.Stat(j.Destination); err == nil && !info.IsDir() {
			return j.Destination
		}
	}
	return filepath.Join(j.Destination, filepath.Base(src))
}

func (j *FileCopyJob) resolveConflict(dst string) (string, error) {
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		return dst, nil
	}
	if j.Options.Overwrite {
		return dst, nil
	}
	switch j.Options.Conflict {
	case ConflictSkip:
		return "", nil
	case ConflictOverwrite:
		return dst, nil
	case ConflictAbort:
		return "", fmt.Errorf("destination exists and conflict policy is abort: %s", dst)
	case ConflictAutoModifyName:
		ext := filepath.Ext(dst)
		base := strings.TrimSuffix(dst, ext)
		for n := 1; ; n++ {
			candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
			if _, err := os.Stat(candidate); os.IsNotExist(err) {
				return candidate, nil
			}
		}
	default:
		return "", fmt.Errorf("destination exists: %s", dst)
	}
}

func (j *FileCopyJob) copying(ctx context.Context, jctx *jobs.JobContext) error {
	for idx, srcMeta := range j.metadata {
		if _, done := j.completedIndices[idx]; done {
			continue
		}

		if paused, cancelled := jctx.Interrupter().CheckInterrupt(); paused {
			return errPaused
		} else if cancelled {
			return errCancelled
		}

		src := srcMeta.Path
		dst := j.destinationFor(src)

		resolved, err := j.resolveConflict(dst)
		if err != nil {
			j.metadata[idx].Status = "Failed"
			return fmt.Errorf("resolve conflict for %s: %w", src, err)
		}
		if resolved == "" {
			j.metadata[idx].Status = "Skipped"
			continue
		}
		dst = resolved

		j.metadata[idx].Status = "Copying"

		sameDevice, err := j.sameDeviceSafe(src, dst)
		if err != nil {
			log.Printf("[copyengine] same-device probe failed for %s -> %s: %v", src, dst, err)
		}

		strategy := SelectStrategy(sameDevice, sameDevice, j.Options.DeleteAfterCopy, j.Options.Method, j.VolumeManager, dst)
		j.metadata[idx].Strategy = strategy

		bytesCopied, err := j.execStrategy(ctx, strategy, src, dst, srcMeta.IsDir, func(cur uint64, signal uint64) {
			if signal == progressSignalFileComplete {
				j.filesCopied++
				j.bytesCopied += int64(cur)
			}
			rate := j.speed.Observe(j.bytesCopied)
			jctx.Progress(string(PhaseCopying), Progress{
				Phase: PhaseCopying, FilesCopied: j.filesCopied, TotalFiles: j.totalFiles,
				BytesCopied: j.bytesCopied, TotalBytes: j.totalBytes,
				RateBytesPerSec: rate,
				ETA:             j.speed.ETA(j.totalBytes - j.bytesCopied),
				StrategyMeta:    string(strategy),
			})
		})
		if err != nil {
			j.metadata[idx].Status = "Failed"
			return fmt.Errorf("copy %s -> %s via %s: %w", src, dst, strategy, err)
		}

		if j.Options.DeleteAfterCopy && strategy != StrategyLocalMove {
			if err := os.RemoveAll(src); err != nil {
				log.Printf("[copyengine] delete source after move %s: %v", src, err)
			}
		}

		j.completedIndices[idx] = struct{}{}
		j.metadata[idx].Status = "Completed"
		_ = bytesCopied

		if (idx+1)%20 == 0 {
			if err := jctx.Checkpoint(j); err != nil {
				log.Printf("[copyengine] checkpoint after %d files failed: %v", idx+1, err)
			}
		}
	}
	return nil
}

func (j *FileCopyJob) sameDeviceSafe(src, dst string) (bool, error) {
	if j.VolumeManager == nil {
		return false, nil
	}
	return j.VolumeManager.SameDevice(src, dst)
}

func (j *FileCopyJob) execStrategy(ctx context.Context, strategy Strategy, src, dst string, isDir bool, cb CopyCallback) (int64, error) {
	switch strategy {
	case StrategyLocalMove:
		if err := os.Rename(src, dst); err != nil {
			return 0, fmt.Errorf("rename: %w", err)
		}
		info, _ := os.Stat(dst)
		var size int64
		if info != nil {
			size = info.Size()
		}
		cb(uint64(size), progressSignalFileComplete)
		return size, nil

	case StrategyReflinkClone:
		return j.streamCopy(src, dst, isDir, cb, true)

	case StrategyStreamCopy, StrategyRemoteStream:
		return j.streamCopy(src, dst, isDir, cb, false)

	default:
		return 0, fmt.Errorf("unknown strategy %s", strategy)
	}
}

// streamCopy copies a file (or recursively a directory) byte-for-byte.
// tryReflink attempts an FICLONE ioctl first and falls back to a regular
// stream copy if it fails or is unsupported.
func (j *FileCopyJob) streamCopy(src, dst string, isDir bool, cb CopyCallback, tryReflink bool) (int64, error) {
	if isDir {
		return j.streamCopyDir(src, dst, cb, tryReflink)
	}
	return j.streamCopyFile(src, dst, cb, tryReflink)
}

func (j *FileCopyJob) streamCopyDir(src, dst string, cb CopyCallback, tryReflink bool) (int64, error) {
	var total int64
	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		n, copyErr := j.streamCopyFile(path, target, cb, tryReflink)
		total += n
		return copyErr
	})
	return total, err
}

func (j *FileCopyJob) streamCopyFile(src, dst string, cb CopyCallback, tryReflink bool) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("create destination directory: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open source %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create destination %s: %w", dst, err)
	}
	defer out.Close()

	if tryReflink {
		if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err == nil {
			info, _ := in.Stat()
			var size int64
			if info != nil {
				size = info.Size()
			}
			cb(uint64(size), progressSignalFileComplete)
			if j.Options.PreserveTimestamps {
				j.preserveTimestamps(in, dst)
			}
			return size, nil
		}
		// Fall through to stream copy on clone failure.
	}

	const bufSize = 1 << 20
	buf := make([]byte, bufSize)
	var written int64
	for {
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return written, fmt.Errorf("write %s: %w", dst, writeErr)
			}
			written += int64(n)
			cb(uint64(written), 0)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, fmt.Errorf("read %s: %w", src, readErr)
		}
	}
	cb(uint64(written), progressSignalFileComplete)

	if j.Options.PreserveTimestamps {
		j.preserveTimestamps(in, dst)
	}

	return written, nil
}

func (j *FileCopyJob) preserveTimestamps(in *os.File, dst string) {
	info, err := in.Stat()
	if err != nil {
		return
	}
	if err := os.Chtimes(dst, time.Now(), info.ModTime()); err != nil {
		log.Printf("[copyengine] preserve timestamps on %s: %v", dst, err)
	}
}
