package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TaskParams is the decoded content of a task's params.yaml. It is returned
// alongside the prompt; nothing in this package substitutes it into the
// prompt text.
type TaskParams map[string]any

// Task is a loaded task: prompt text plus the params used to render it.
type Task struct {
	Prompt string
	Params TaskParams
}

// LoadTask loads prompt.md and the optional params.yaml from taskDir. The
// prompt is returned as written, without placeholder substitution. This is
// the Go-native replacement for the original's three-tier
// dynamic Python-module loading (task.py/params.py): task definitions are
// plain YAML/Markdown data, not executable code, per the design note on
// avoiding dynamic-typing idioms.
func LoadTask(taskDir string) (Task, error) {
	promptPath := taskDir + "/prompt.md"
	promptBytes, err := os.ReadFile(promptPath)
	if err != nil {
		return Task{}, fmt.Errorf("reading task prompt %s: %w", promptPath, err)
	}

	params, err := loadParamsFile(taskDir + "/params.yaml")
	if err != nil {
		return Task{}, err
	}
	return Task{Prompt: string(promptBytes), Params: params}, nil
}

// LoadEnvironmentParams loads the optional environment/params.yaml file,
// returning an empty map when absent (mirroring load_environment_params'
// tolerant "no params file" path).
func LoadEnvironmentParams(environmentDir string) (TaskParams, error) {
	params, err := loadParamsFile(environmentDir + "/params.yaml")
	if err != nil {
		return nil, err
	}
	if params == nil {
		return TaskParams{}, nil
	}
	return params, nil
}

func loadParamsFile(path string) (TaskParams, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading params file %s: %w", path, err)
	}
	var params TaskParams
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("decoding params file %s: %w", path, err)
	}
	return params, nil
}
