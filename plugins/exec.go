package plugins

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// pollTimeout bounds how long a single plugin invocation may take. A plugin
// stuck past it is killed and reported in error, so one bad policy can't
// stall the block-step forever.
const pollTimeout = 60 * time.Second

// ExecPlugin runs a policy as an external executable. For each poll the
// executable is spawned, handed a single JSON request on stdin and expected
// to print a single JSON response on stdout before exiting 0.
type ExecPlugin struct {
	// Path is the path to the plugin executable.
	Path string

	// Config is an opaque blob from our configuration file, passed
	// through verbatim with every request.
	Config json.RawMessage
}

// A compile time check to ensure ExecPlugin implements the Plugin interface.
var _ Plugin = (*ExecPlugin)(nil)

// pollRequest is the JSON request written to the plugin's stdin.
type pollRequest struct {
	Method      string          `json:"method"`
	Config      json.RawMessage `json:"config,omitempty"`
	BlockHeight int32           `json:"block_height"`
	BlockInfo   *NewBlockInfo   `json:"block_info"`
}

// pollResponse is the JSON response expected on the plugin's stdout.
type pollResponse struct {
	Revault []string `json:"revault"`
}

// NewExecPlugin returns a subprocess-backed plugin.
func NewExecPlugin(path string, config json.RawMessage) *ExecPlugin {
	return &ExecPlugin{
		Path:   path,
		Config: config,
	}
}

// Poll spawns the plugin and exchanges one request/response pair with it.
func (p *ExecPlugin) Poll(blockHeight int32,
	blockInfo *NewBlockInfo) ([]wire.OutPoint, error) {

	reqBytes, err := json.Marshal(&pollRequest{
		Method:      "new_block",
		Config:      p.Config,
		BlockHeight: blockHeight,
		BlockInfo:   blockInfo,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(p.Path)
	cmd.Stdin = bytes.NewReader(append(reqBytes, '\n'))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("unable to start plugin '%s': %v",
			p.Path, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("plugin '%s' failed: %v "+
				"(stderr: %s)", p.Path, err, stderr.String())
		}
	case <-time.After(pollTimeout):
		cmd.Process.Kill()
		<-done
		return nil, fmt.Errorf("plugin '%s' timed out after %v",
			p.Path, pollTimeout)
	}

	var resp pollResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("malformed response from plugin '%s': "+
			"%v (stdout: %s)", p.Path, err, stdout.String())
	}

	outpoints := make([]wire.OutPoint, 0, len(resp.Revault))
	for _, s := range resp.Revault {
		outpoint, err := ParseOutpoint(s)
		if err != nil {
			return nil, fmt.Errorf("plugin '%s' returned %v",
				p.Path, err)
		}
		outpoints = append(outpoints, *outpoint)
	}

	log.Tracef("Plugin '%s' returned %d outpoint(s) to revault at "+
		"height %d", p.Path, len(outpoints), blockHeight)

	return outpoints, nil
}
