package executer

import (
	"context"
	"strings"
	"sync"
)

// Reply is a canned outcome for a recorded command
type Reply struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Recorder is an Executer that records invocations and answers from canned replies.
// Replies are matched by the longest registered prefix of "command arg1 arg2 ...".
// Dirs and Envs line up with Calls; commands run without a working directory record "".
type Recorder struct {
	mu      sync.Mutex
	replies map[string]Reply
	Calls   []string
	Dirs    []string
	Envs    [][]string
}

func NewRecorder() *Recorder {
	return &Recorder{replies: map[string]Reply{}}
}

// On registers the reply for every command line starting with prefix
func (r *Recorder) On(prefix string, reply Reply) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies[prefix] = reply
	return r
}

func (r *Recorder) ExecuteWithContext(ctx context.Context, command string, args ...string) (string, string, int) {
	return r.record("", command, args, nil)
}

func (r *Recorder) ExecuteWithContextFromDir(ctx context.Context, workingDir string, command string, args []string, env ...string) (string, string, int) {
	return r.record(workingDir, command, args, env)
}

// Called reports whether any recorded command line starts with prefix
func (r *Recorder) Called(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.Calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (r *Recorder) record(dir, command string, args, env []string) (string, string, int) {
	line := strings.TrimSpace(command + " " + strings.Join(args, " "))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, line)
	r.Dirs = append(r.Dirs, dir)
	r.Envs = append(r.Envs, env)

	var (
		best  string
		reply Reply
	)
	for prefix, rep := range r.replies {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best, reply = prefix, rep
		}
	}
	return reply.Stdout, reply.Stderr, reply.ExitCode
}
