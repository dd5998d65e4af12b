package reactor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/hupe1980/threadmesh/logging"
)

// TurnMethod is the JSON-RPC method a ProcessTurnExecutor calls.
const TurnMethod = "turn/execute"

// ProcessOptions configure a ProcessTurnExecutor.
type ProcessOptions struct {
	Args []string
	Env  []string
	Dir  string
	// MaxFrameBytes bounds a single stdout line. Defaults to 2 MiB.
	MaxFrameBytes int
	Logger        logging.Logger
}

// ProcessTurnExecutor runs every turn in a fresh child process speaking
// line-delimited JSON-RPC 2.0 on stdio. The executor writes one request
// ({"method":"turn/execute","id":1}); the child answers with notifications
// that are forwarded as provider chunks and finally with the response
// carrying the TurnResult. Child stderr is logged at debug level.
type ProcessTurnExecutor struct {
	command string
	opts    ProcessOptions
}

var _ TurnExecutor = (*ProcessTurnExecutor)(nil)

// NewProcessTurnExecutor returns an executor launching command.
func NewProcessTurnExecutor(command string, optFns ...func(o *ProcessOptions)) (*ProcessTurnExecutor, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("process turn executor: command is required")
	}
	opts := ProcessOptions{MaxFrameBytes: 2 << 20}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &ProcessTurnExecutor{command: command, opts: opts}, nil
}

type rpcInbound struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ExecuteTurn implements TurnExecutor.
func (p *ProcessTurnExecutor) ExecuteTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	cmd := exec.CommandContext(ctx, p.command, p.opts.Args...)
	if len(p.opts.Env) > 0 {
		cmd.Env = p.opts.Env
	}
	cmd.Dir = p.opts.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", p.command, err)
	}

	var closeOnce sync.Once
	shutdown := func() {
		closeOnce.Do(func() {
			_ = stdin.Close()
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			_ = cmd.Wait()
		})
	}
	defer shutdown()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				p.opts.Logger.Debug("thread.reactor.process", "command", p.command, "line", line)
			}
		}
	}()

	enc := json.NewEncoder(stdin)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  TurnMethod,
		"params":  req,
	}); err != nil {
		return nil, fmt.Errorf("send turn request: %w", err)
	}

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64<<10), p.opts.MaxFrameBytes)

	result, err := p.readResponse(ctx, sc, req)
	shutdown()
	wg.Wait()
	return result, err
}

func (p *ProcessTurnExecutor) readResponse(ctx context.Context, sc *bufio.Scanner, req TurnRequest) (*TurnResult, error) {
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var msg rpcInbound
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return nil, fmt.Errorf("invalid json-rpc frame: %w", err)
		}

		if msg.ID == nil {
			if msg.Method == "" || req.EmitChunk == nil {
				continue
			}
			chunk := map[string]any{"method": msg.Method}
			if len(msg.Params) > 0 {
				var params any
				if err := json.Unmarshal(msg.Params, &params); err != nil {
					return nil, fmt.Errorf("invalid notification params: %w", err)
				}
				chunk["params"] = params
			}
			if err := req.EmitChunk(ctx, chunk); err != nil {
				return nil, err
			}
			continue
		}

		if msg.Error != nil {
			return nil, fmt.Errorf("turn failed (%d): %s", msg.Error.Code, msg.Error.Message)
		}
		var result TurnResult
		if len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, &result); err != nil {
				return nil, fmt.Errorf("invalid turn result: %w", err)
			}
		}
		return &result, nil
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("process exited before responding: %w", io.ErrUnexpectedEOF)
}
