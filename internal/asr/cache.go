package asr

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"trbot/pkg/logx"
)

// ModelCache hands out one Engine per model name and reuses it across jobs.
type ModelCache struct {
	binPath      string
	modelDir     string
	vadModelPath string
	log          logx.Logger

	// factory overrides engine construction in tests.
	factory func(modelPath string) Engine

	mu      sync.Mutex
	engines map[string]Engine
}

func NewModelCache(binPath, modelDir, vadModelPath string, log logx.Logger) *ModelCache {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ModelCache{
		binPath:      binPath,
		modelDir:     modelDir,
		vadModelPath: vadModelPath,
		log:          log,
		engines:      map[string]Engine{},
	}
}

// Get returns the engine for modelName, creating it on first use. The model
// file must already exist under the model directory (ggml-<name>.bin).
func (c *ModelCache) Get(modelName string) (Engine, error) {
	name := strings.ToLower(strings.TrimSpace(modelName))
	if name == "" {
		return nil, fmt.Errorf("asr: empty model name")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if eng, ok := c.engines[name]; ok {
		return eng, nil
	}

	modelPath := filepath.Join(c.modelDir, "ggml-"+name+".bin")
	if c.factory == nil {
		if _, err := os.Stat(modelPath); err != nil {
			return nil, fmt.Errorf("asr: model %q not available at %s: %w", name, modelPath, err)
		}
	}

	c.log.Info("loading whisper model",
		logx.String("model", name),
		logx.String("path", modelPath))

	var eng Engine
	if c.factory != nil {
		eng = c.factory(modelPath)
	} else {
		w := NewWhisperCLI(c.binPath, modelPath, c.log)
		w.VADModelPath = c.vadModelPath
		eng = w
	}
	c.engines[name] = eng
	return eng, nil
}
