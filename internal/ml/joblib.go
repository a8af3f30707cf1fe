package ml

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"koi-vetter/internal/features"
)

// KindJoblib serves the original scikit-learn artifact through Python.
const KindJoblib = "joblib"

// JoblibModel keeps one Python worker alive for the process lifetime. The
// worker loads the artifact once and answers newline-delimited JSON
// requests on stdin/stdout, so calls are serialized on the pipe.
type JoblibModel struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	lines   chan string
	done    chan struct{}
	stop    sync.Once
	stderr  *tailBuffer
	timeout time.Duration
	broken  error
	dir     string

	Features []string
	Classes  []int
}

type workerHello struct {
	Ready    bool     `json:"ready"`
	Features []string `json:"features"`
	Classes  []int    `json:"classes"`
	Error    string   `json:"error,omitempty"`
}

type workerRequest struct {
	Features []float64 `json:"features"`
}

type workerResponse struct {
	Prediction    *int      `json:"prediction"`
	Probabilities []float64 `json:"probabilities"`
	Error         string    `json:"error,omitempty"`
}

// StartJoblib launches the worker and waits for its handshake. The
// handshake reports the artifact's feature_names_in_, which must match the
// canonical column order.
func StartJoblib(modelPath, pythonPath string, startup, timeout time.Duration) (*JoblibModel, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, err
	}
	if pythonPath == "" {
		var err error
		if pythonPath, err = findPython(); err != nil {
			return nil, err
		}
	}

	dir, err := os.MkdirTemp("", "koi-worker-")
	if err != nil {
		return nil, fmt.Errorf("create worker dir: %w", err)
	}
	scriptPath := filepath.Join(dir, "joblib_worker.py")
	if err := createWorkerScript(scriptPath); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("write worker script: %w", err)
	}

	cmd := exec.Command(pythonPath, scriptPath, modelPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("start python worker: %w", err)
	}

	m := &JoblibModel{
		cmd:     cmd,
		stdin:   stdin,
		lines:   make(chan string, 1),
		done:    make(chan struct{}),
		stderr:  stderr,
		timeout: timeout,
		dir:     dir,
	}
	go m.readLines(stdout)

	hello, err := m.handshake(startup)
	if err != nil {
		m.Close()
		return nil, err
	}
	if err := checkColumnOrder(hello.Features); err != nil {
		m.Close()
		return nil, err
	}
	if len(hello.Classes) != 2 || hello.Classes[0] != 0 || hello.Classes[1] != 1 {
		m.Close()
		return nil, fmt.Errorf("artifact classes must be [0 1], got %v", hello.Classes)
	}
	m.Features, m.Classes = hello.Features, hello.Classes

	log.Info().
		Str("python_path", pythonPath).
		Str("model_path", modelPath).
		Int("pid", cmd.Process.Pid).
		Msg("joblib worker ready")
	return m, nil
}

func (m *JoblibModel) readLines(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	defer close(m.lines)
	for sc.Scan() {
		// Lines nobody will read anymore must not pin this goroutine.
		select {
		case m.lines <- sc.Text():
		case <-m.done:
			return
		}
	}
}

func (m *JoblibModel) stopReading() {
	m.stop.Do(func() { close(m.done) })
}

func (m *JoblibModel) handshake(timeout time.Duration) (workerHello, error) {
	var hello workerHello
	select {
	case line, ok := <-m.lines:
		if !ok {
			return hello, fmt.Errorf("python worker exited during startup: %s", m.stderr.String())
		}
		if err := json.Unmarshal([]byte(line), &hello); err != nil {
			return hello, fmt.Errorf("bad worker handshake %q: %w", line, err)
		}
		if hello.Error != "" {
			return hello, fmt.Errorf("python worker: %s", hello.Error)
		}
		if !hello.Ready {
			return hello, errors.New("python worker did not report ready")
		}
		return hello, nil
	case <-time.After(timeout):
		return hello, fmt.Errorf("python worker not ready after %v", timeout)
	}
}

// Predict implements Model.
func (m *JoblibModel) Predict(ctx context.Context, v features.FeatureVector) (PredictionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.broken != nil {
		return PredictionResult{}, m.broken
	}

	req, err := json.Marshal(workerRequest{Features: v.Slice()})
	if err != nil {
		return PredictionResult{}, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := m.stdin.Write(append(req, '\n')); err != nil {
		m.broken = fmt.Errorf("python worker pipe closed: %w", err)
		return PredictionResult{}, m.broken
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var line string
	select {
	case l, ok := <-m.lines:
		if !ok {
			m.broken = fmt.Errorf("python worker exited: %s", m.stderr.String())
			return PredictionResult{}, m.broken
		}
		line = l
	case <-ctx.Done():
		// The answer may still arrive later and would desync the pipe.
		m.broken = fmt.Errorf("python worker unresponsive: %w", ctx.Err())
		log.Error().
			Err(ctx.Err()).
			Dur("timeout", m.timeout).
			Str("stderr", m.stderr.String()).
			Msg("joblib worker timed out, disabling")
		return PredictionResult{}, m.broken
	}

	var resp workerResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return PredictionResult{}, fmt.Errorf("parse worker response: %w", err)
	}
	if resp.Error != "" {
		return PredictionResult{}, fmt.Errorf("python inference error: %s", resp.Error)
	}
	if resp.Prediction == nil || len(resp.Probabilities) != 2 {
		return PredictionResult{}, fmt.Errorf("malformed worker response %q", line)
	}
	return PredictionResult{
		Label:         *resp.Prediction,
		Probabilities: [2]float64{resp.Probabilities[0], resp.Probabilities[1]},
	}, nil
}

// Close stops the worker and removes its script.
func (m *JoblibModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.broken == nil {
		m.broken = errors.New("python worker closed")
	}
	m.stopReading()
	m.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- m.cmd.Wait() }()
	var err error
	select {
	case err = <-done:
	case <-time.After(3 * time.Second):
		m.cmd.Process.Kill()
		err = <-done
	}
	os.RemoveAll(m.dir)
	return err
}

func findPython() (string, error) {
	var candidates []string
	if venv := os.Getenv("VIRTUAL_ENV"); venv != "" {
		candidates = append(candidates,
			filepath.Join(venv, "bin", "python3"),
			filepath.Join(venv, "bin", "python"),
			filepath.Join(venv, "Scripts", "python.exe"),
		)
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			candidates = append(candidates, p)
		}
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		cmd := exec.Command(p, "-c", "import sys, joblib, sklearn, pandas; print('Python', sys.version)")
		if out, err := cmd.Output(); err == nil && strings.Contains(string(out), "Python 3") {
			return p, nil
		}
		log.Debug().Str("python_path", p).Msg("python found without joblib/scikit-learn/pandas")
	}
	return "", errors.New("no Python 3 with joblib, scikit-learn and pandas found")
}

// tailBuffer keeps the last max bytes written, for error reports.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}

func createWorkerScript(scriptPath string) error {
	script := `#!/usr/bin/env python3
import sys
import json

try:
    import joblib
    import pandas as pd
except ImportError as exc:
    print(json.dumps({"error": "missing dependency: %s" % exc}), flush=True)
    sys.exit(1)

COLUMNS = ` + pythonList(features.Names()) + `


def main():
    if len(sys.argv) != 2:
        print(json.dumps({"error": "usage: joblib_worker.py <model_path>"}), flush=True)
        sys.exit(1)
    try:
        model = joblib.load(sys.argv[1])
        names = [str(n) for n in getattr(model, "feature_names_in_", COLUMNS)]
        classes = [int(c) for c in getattr(model, "classes_", [0, 1])]
    except Exception as exc:
        print(json.dumps({"error": "load failed: %s" % exc}), flush=True)
        sys.exit(1)

    print(json.dumps({"ready": True, "features": names, "classes": classes}), flush=True)

    for line in sys.stdin:
        line = line.strip()
        if not line:
            continue
        try:
            request = json.loads(line)
            row = pd.DataFrame([request["features"]], columns=names)
            prediction = int(model.predict(row)[0])
            probabilities = [float(p) for p in model.predict_proba(row)[0]]
            response = {"prediction": prediction, "probabilities": probabilities}
        except Exception as exc:
            response = {"error": str(exc)}
        print(json.dumps(response), flush=True)


if __name__ == "__main__":
    main()
`
	return os.WriteFile(scriptPath, []byte(script), 0o700)
}

func pythonList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = `"` + n + `"`
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
