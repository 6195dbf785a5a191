package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/tsawler/go-adversarial/tensor"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                                                             // Total number of samples
	Get(idx int) (image *tensor.Tensor, label *tensor.Tensor, err error) // Returns a single sample
}

// DataLoader batches samples from a Dataset. It satisfies engine.DataSource
// and yields map[string]*tensor.Tensor batches keyed by KeyImage and KeyLabel.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	dropLast  bool
	device    tensor.DeviceType
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// DataLoaderConfig configures a DataLoader.
type DataLoaderConfig struct {
	BatchSize int
	Shuffle   bool
	DropLast  bool
	Seed      int64
	Device    tensor.DeviceType
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, config DataLoaderConfig) (*DataLoader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive: %d", config.BatchSize)
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: config.BatchSize,
		shuffle:   config.Shuffle,
		dropLast:  config.DropLast,
		device:    config.Device,
		rng:       rand.New(rand.NewSource(config.Seed)),
		indices:   indices,
	}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	if dl.dropLast {
		return dl.dataset.Len() / dl.batchSize
	}
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset rewinds the loader for a new epoch, reshuffling when enabled
func (dl *DataLoader) Reset() error {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
	return nil
}

// Next returns the next batch; ok is false once the epoch is exhausted
func (dl *DataLoader) Next(ctx context.Context) (any, bool, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	remaining := len(dl.indices) - dl.position
	if remaining <= 0 || (dl.dropLast && remaining < dl.batchSize) {
		return nil, false, nil
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}
	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load batch: %w", err)
	}
	return batch, true, nil
}

// loadBatch stacks samples into batch-first tensors
func (dl *DataLoader) loadBatch(indices []int) (map[string]*tensor.Tensor, error) {
	firstImage, firstLabel, err := dl.dataset.Get(indices[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load sample %d: %w", indices[0], err)
	}

	images, err := tensor.Zeros(append([]int{len(indices)}, firstImage.Shape...), firstImage.DType, dl.device)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch image tensor: %w", err)
	}
	var labels *tensor.Tensor
	if firstLabel != nil {
		labels, err = tensor.Zeros(append([]int{len(indices)}, firstLabel.Shape...), firstLabel.DType, dl.device)
		if err != nil {
			return nil, fmt.Errorf("failed to create batch label tensor: %w", err)
		}
	}

	for i, idx := range indices {
		image, label, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
		}
		if err := copyInto(images, image, i); err != nil {
			return nil, fmt.Errorf("failed to copy image for sample %d: %w", idx, err)
		}
		if labels != nil {
			if label == nil {
				return nil, fmt.Errorf("sample %d has no label", idx)
			}
			if err := copyInto(labels, label, i); err != nil {
				return nil, fmt.Errorf("failed to copy label for sample %d: %w", idx, err)
			}
		}
	}

	batch := map[string]*tensor.Tensor{KeyImage: images}
	if labels != nil {
		batch[KeyLabel] = labels
	}
	return batch, nil
}

// copyInto copies a sample tensor into a specific position in the batch tensor
func copyInto(batchTensor, sampleTensor *tensor.Tensor, batchIndex int) error {
	if batchTensor.DType != sampleTensor.DType {
		return fmt.Errorf("dtype mismatch: batch %s, sample %s", batchTensor.DType, sampleTensor.DType)
	}
	sampleSize := batchTensor.NumElems / batchTensor.Shape[0]
	if sampleTensor.NumElems != sampleSize {
		return fmt.Errorf("sample size mismatch: expected %d, got %d", sampleSize, sampleTensor.NumElems)
	}
	offset := batchIndex * sampleSize

	switch batchData := batchTensor.Data.(type) {
	case []float32:
		copy(batchData[offset:offset+sampleSize], sampleTensor.Data.([]float32))
	case []int32:
		copy(batchData[offset:offset+sampleSize], sampleTensor.Data.([]int32))
	default:
		return fmt.Errorf("unsupported dtype for batch copying: %s", batchTensor.DType)
	}
	return nil
}

// SimpleDataset provides a basic implementation of Dataset for testing and simple use cases
type SimpleDataset struct {
	images []*tensor.Tensor
	labels []*tensor.Tensor
}

// NewSimpleDataset creates a new SimpleDataset. labels may be nil for
// unlabelled data.
func NewSimpleDataset(images, labels []*tensor.Tensor) (*SimpleDataset, error) {
	if labels != nil && len(images) != len(labels) {
		return nil, fmt.Errorf("images and labels must have the same length: got %d and %d", len(images), len(labels))
	}
	return &SimpleDataset{images: images, labels: labels}, nil
}

// Len returns the number of samples in the dataset
func (ds *SimpleDataset) Len() int {
	return len(ds.images)
}

// Get returns a sample at the given index
func (ds *SimpleDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(ds.images) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.images))
	}
	if ds.labels == nil {
		return ds.images[idx], nil, nil
	}
	return ds.images[idx], ds.labels[idx], nil
}

// SubsetDataset exposes at most limit samples of an underlying dataset.
type SubsetDataset struct {
	original Dataset
	limit    int
}

// NewSubsetDataset wraps original, clamping limit to its length.
func NewSubsetDataset(original Dataset, limit int) (*SubsetDataset, error) {
	if limit < 0 {
		return nil, fmt.Errorf("limit cannot be negative")
	}
	if limit > original.Len() {
		limit = original.Len()
	}
	return &SubsetDataset{original: original, limit: limit}, nil
}

func (sd *SubsetDataset) Len() int {
	return sd.limit
}

func (sd *SubsetDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= sd.limit {
		return nil, nil, fmt.Errorf("index out of bounds for subset: %d (limit: %d)", idx, sd.limit)
	}
	return sd.original.Get(idx)
}

// BlobDataset generates single channel images of soft Gaussian blobs. The
// label of every sample is the image itself, which suits reconstruction
// training.
type BlobDataset struct {
	size   int
	height int
	width  int
	seed   int64
}

// NewBlobDataset creates a dataset of size images of height x width pixels.
func NewBlobDataset(size, height, width int, seed int64) (*BlobDataset, error) {
	if size <= 0 || height <= 0 || width <= 0 {
		return nil, fmt.Errorf("dataset dimensions must be positive: %d x %d x %d", size, height, width)
	}
	return &BlobDataset{size: size, height: height, width: width, seed: seed}, nil
}

func (bd *BlobDataset) Len() int {
	return bd.size
}

// Get renders sample idx. The same index always yields the same image.
func (bd *BlobDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= bd.size {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, bd.size)
	}
	rng := rand.New(rand.NewSource(bd.seed + int64(idx)))
	cy := rng.Float64() * float64(bd.height)
	cx := rng.Float64() * float64(bd.width)
	sigma := 1 + rng.Float64()*float64(bd.width)/4

	data := make([]float32, bd.height*bd.width)
	for y := 0; y < bd.height; y++ {
		for x := 0; x < bd.width; x++ {
			d2 := (float64(y)-cy)*(float64(y)-cy) + (float64(x)-cx)*(float64(x)-cx)
			// Scale to [-1, 1] to match a tanh generator output.
			data[y*bd.width+x] = float32(2*math.Exp(-d2/(2*sigma*sigma)) - 1)
		}
	}

	image, err := tensor.NewTensor([]int{1, bd.height, bd.width}, tensor.Float32, tensor.CPU, data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create image tensor: %w", err)
	}
	return image, image, nil
}
