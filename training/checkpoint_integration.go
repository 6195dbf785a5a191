package training

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tsawler/go-adversarial/checkpoints"
	"github.com/tsawler/go-adversarial/engine"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory   string                       // Directory to save checkpoints
	SaveFrequency   int                          // Save every N epochs (0 = disabled)
	SaveBest        bool                         // Save when the key metric improves
	MaxCheckpoints  int                          // Maximum number of periodic checkpoints to keep (0 = unlimited)
	Format          checkpoints.CheckpointFormat // JSON, Proto or ProtoJSON
	FilenamePattern string                       // Pattern for checkpoint filenames, given epoch and iteration
	State           StateOptions                 // Components written to every checkpoint
}

// DefaultCheckpointConfig returns a sensible default configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory:   "./checkpoints",
		SaveFrequency:   5, // Save every 5 epochs
		SaveBest:        true,
		MaxCheckpoints:  10,
		Format:          checkpoints.FormatJSON,
		FilenamePattern: "checkpoint_epoch_%d_iter_%d",
		State:           DefaultStateOptions(),
	}
}

// CheckpointManager saves trainer snapshots as the run progresses and
// restores them on request. Attached to the trainer engine it writes a
// periodic checkpoint every SaveFrequency epochs and a best checkpoint
// whenever the key metric improves.
type CheckpointManager struct {
	config     CheckpointConfig
	trainer    *AdversarialTrainer
	saver      *checkpoints.CheckpointSaver
	savedFiles []string // Periodic checkpoints, oldest first
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(trainer *AdversarialTrainer, config CheckpointConfig) (*CheckpointManager, error) {
	if trainer == nil {
		return nil, fmt.Errorf("%w: trainer is required", ErrInvalidConfig)
	}
	if config.SaveDirectory == "" {
		return nil, fmt.Errorf("%w: checkpoint directory is required", ErrInvalidConfig)
	}
	if config.SaveFrequency < 0 || config.MaxCheckpoints < 0 {
		return nil, fmt.Errorf("%w: save frequency and max checkpoints cannot be negative", ErrInvalidConfig)
	}
	return &CheckpointManager{
		config:  config,
		trainer: trainer,
		saver:   checkpoints.NewCheckpointSaver(config.Format),
	}, nil
}

func (cm *CheckpointManager) Attach(e *engine.Engine) error {
	return e.On(engine.EpochCompleted, cm.epochCompleted)
}

func (cm *CheckpointManager) epochCompleted(ctx context.Context, e *engine.Engine) error {
	st := e.State()
	if _, err := cm.SavePeriodicCheckpoint(ctx, st.Epoch, st.Iteration); err != nil {
		return err
	}
	if cm.config.SaveBest && st.KeyMetricName != "" && st.BestMetricEpoch == st.Epoch {
		description := fmt.Sprintf("Best checkpoint - %s: %.6f", st.KeyMetricName, st.BestMetric)
		path := filepath.Join(cm.config.SaveDirectory, "best_checkpoint"+cm.config.Format.Extension())
		if err := cm.save(path, st.Epoch, st.Iteration, description); err != nil {
			return fmt.Errorf("failed to save best checkpoint: %w", err)
		}
		engine.LoggerFrom(ctx).Info("Saved best checkpoint.", "path", path, "epoch", st.Epoch)
	}
	return nil
}

// SaveCheckpoint writes the current trainer state and applies retention.
func (cm *CheckpointManager) SaveCheckpoint(ctx context.Context, epoch, iteration int, description string) (string, error) {
	path := filepath.Join(cm.config.SaveDirectory, cm.generateFilename(epoch, iteration))
	if err := cm.save(path, epoch, iteration, description); err != nil {
		return "", err
	}
	cm.savedFiles = append(cm.savedFiles, path)

	if err := cm.cleanupOldCheckpoints(); err != nil {
		// A failed cleanup does not fail the save.
		engine.LoggerFrom(ctx).Warn("Failed to clean up old checkpoints.", "error", err)
	}
	return path, nil
}

// SavePeriodicCheckpoint saves a checkpoint if it's time based on frequency
func (cm *CheckpointManager) SavePeriodicCheckpoint(ctx context.Context, epoch, iteration int) (bool, error) {
	if cm.config.SaveFrequency <= 0 || epoch%cm.config.SaveFrequency != 0 {
		return false, nil
	}
	path, err := cm.SaveCheckpoint(ctx, epoch, iteration, fmt.Sprintf("Periodic checkpoint - Epoch %d", epoch))
	if err != nil {
		return false, err
	}
	engine.LoggerFrom(ctx).Info("Saved checkpoint.", "path", path, "epoch", epoch)
	return true, nil
}

// LoadCheckpoint loads a checkpoint and restores trainer state
func (cm *CheckpointManager) LoadCheckpoint(path string) (*checkpoints.Checkpoint, error) {
	checkpoint, err := cm.saver.LoadCheckpoint(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := cm.trainer.LoadState(checkpoint.State); err != nil {
		return nil, fmt.Errorf("failed to restore trainer state: %w", err)
	}
	return checkpoint, nil
}

// SavedFiles returns the periodic checkpoints still on disk, oldest first.
func (cm *CheckpointManager) SavedFiles() []string {
	return append([]string(nil), cm.savedFiles...)
}

func (cm *CheckpointManager) save(path string, epoch, iteration int, description string) error {
	if err := os.MkdirAll(cm.config.SaveDirectory, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	checkpoint := &checkpoints.Checkpoint{
		State: cm.trainer.GetState(cm.config.State),
		Metadata: checkpoints.CheckpointMetadata{
			Epoch:       epoch,
			Iteration:   iteration,
			Description: description,
			Tags:        []string{fmt.Sprintf("epoch_%d", epoch)},
		},
	}
	if err := cm.saver.SaveCheckpoint(checkpoint, path); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (cm *CheckpointManager) generateFilename(epoch, iteration int) string {
	pattern := cm.config.FilenamePattern
	if pattern == "" {
		pattern = "checkpoint_epoch_%d_iter_%d"
	}
	return fmt.Sprintf(pattern, epoch, iteration) + cm.config.Format.Extension()
}

func (cm *CheckpointManager) cleanupOldCheckpoints() error {
	if cm.config.MaxCheckpoints <= 0 || len(cm.savedFiles) <= cm.config.MaxCheckpoints {
		return nil
	}

	toRemove := len(cm.savedFiles) - cm.config.MaxCheckpoints
	for i := 0; i < toRemove; i++ {
		if err := os.Remove(cm.savedFiles[i]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove old checkpoint %s: %w", cm.savedFiles[i], err)
		}
	}
	cm.savedFiles = cm.savedFiles[toRemove:]
	return nil
}
