package embedding

import (
	"fmt"
	"os"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/thebtf/cortex/internal/config"
)

// onnxModel runs a sentence-transformer exported to ONNX. The export is
// expected to emit pooled sentence embeddings directly (the usual
// sentence-transformers layout with input_ids/attention_mask/token_type_ids
// inputs and a sentence_embedding output).
type onnxModel struct {
	name    string
	dim     int
	tk      *tokenizer.Tokenizer
	session *ort.DynamicAdvancedSession
	mu      sync.Mutex
}

var (
	ortInitMu   sync.Mutex
	ortInitDone bool
)

// initRuntime points onnxruntime at the shared library and initializes the
// environment once per process.
func initRuntime(libraryPath string) error {
	ortInitMu.Lock()
	defer ortInitMu.Unlock()

	if ortInitDone {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize ONNX runtime: %w", err)
	}
	ortInitDone = true
	return nil
}

// NewONNXModel loads the encoder from the configured model and tokenizer
// paths.
func NewONNXModel(cfg config.EmbedderConfig, dim int) (Model, error) {
	if cfg.ModelPath == "" || cfg.TokenizerPath == "" {
		return nil, fmt.Errorf("embedder model_path and tokenizer_path are required")
	}

	if err := initRuntime(cfg.LibraryPath); err != nil {
		return nil, err
	}

	tk, err := pretrained.FromFile(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	modelData, err := os.ReadFile(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}

	inputNames := []string{"input_ids", "attention_mask", "token_type_ids"}
	outputNames := []string{"sentence_embedding"}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(modelData, inputNames, outputNames, nil)
	if err != nil {
		return nil, fmt.Errorf("create ONNX session: %w", err)
	}

	return &onnxModel{
		name:    cfg.Model,
		dim:     dim,
		tk:      tk,
		session: session,
	}, nil
}

func (m *onnxModel) Name() string    { return m.name }
func (m *onnxModel) Dimensions() int { return m.dim }

func (m *onnxModel) Embed(text string) ([]float32, error) {
	results, err := m.EmbedBatch([]string{text})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

func (m *onnxModel) EmbedBatch(texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inputBatch := make([]tokenizer.EncodeInput, len(texts))
	for i, t := range texts {
		inputBatch[i] = tokenizer.NewSingleEncodeInput(tokenizer.NewInputSequence(t))
	}

	encodings, err := m.tk.EncodeBatch(inputBatch, true)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}

	batchSize := len(encodings)
	seqLength := len(encodings[0].Ids)

	inputShape := ort.NewShape(int64(batchSize), int64(seqLength))

	inputIDs := make([]int64, batchSize*seqLength)
	attentionMask := make([]int64, batchSize*seqLength)
	tokenTypeIDs := make([]int64, batchSize*seqLength)

	for b := 0; b < batchSize; b++ {
		for i, id := range encodings[b].Ids {
			inputIDs[b*seqLength+i] = int64(id)
		}
		for i, mask := range encodings[b].AttentionMask {
			attentionMask[b*seqLength+i] = int64(mask)
		}
		for i, typeID := range encodings[b].TypeIds {
			tokenTypeIDs[b*seqLength+i] = int64(typeID)
		}
	}

	inputIDsTensor, err := ort.NewTensor(inputShape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("create input_ids tensor: %w", err)
	}
	defer inputIDsTensor.Destroy()

	attentionMaskTensor, err := ort.NewTensor(inputShape, attentionMask)
	if err != nil {
		return nil, fmt.Errorf("create attention_mask tensor: %w", err)
	}
	defer attentionMaskTensor.Destroy()

	tokenTypeIDsTensor, err := ort.NewTensor(inputShape, tokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("create token_type_ids tensor: %w", err)
	}
	defer tokenTypeIDsTensor.Destroy()

	outputShape := ort.NewShape(int64(batchSize), int64(m.dim))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	inputs := []ort.Value{inputIDsTensor, attentionMaskTensor, tokenTypeIDsTensor}
	outputs := []ort.Value{outputTensor}

	if err := m.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("run inference: %w", err)
	}

	flat := outputTensor.GetData()
	if len(flat) != batchSize*m.dim {
		return nil, fmt.Errorf("unexpected output size: got %d, expected %d", len(flat), batchSize*m.dim)
	}

	results := make([][]float32, batchSize)
	for i := 0; i < batchSize; i++ {
		results[i] = make([]float32, m.dim)
		copy(results[i], flat[i*m.dim:(i+1)*m.dim])
	}

	return results, nil
}

func (m *onnxModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		if err := m.session.Destroy(); err != nil {
			return fmt.Errorf("destroy session: %w", err)
		}
		m.session = nil
	}
	return nil
}
