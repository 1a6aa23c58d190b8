package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"bifrost/api/model"
)

// launch is the command line and environment that start a worker.
type launch struct {
	Path string
	Args []string
	Dir  string
	Env  map[string]string
}

// environment merges the definition's variables, the caller's extras and the
// variables every live worker gets.
func environment(opts RunOpts, runtimeAPI string) map[string]string {
	env := make(map[string]string, len(opts.Definition.Environment)+len(opts.Env)+12)
	for k, v := range opts.Definition.Environment {
		env[k] = v
	}
	for k, v := range opts.Env {
		env[k] = v
	}
	ctxJSON, _ := json.Marshal(opts.Context)
	timeout := opts.Definition.Timeout.Duration
	env["BIFROST_FUNCTION_ID"] = opts.Definition.ID
	env["BIFROST_INVOCATION_ID"] = opts.RequestID
	env["BIFROST_LIVE"] = "1"
	env["BIFROST_DEADLINE_MS"] = strconv.FormatInt(opts.Deadline.UnixMilli(), 10)
	env["BIFROST_CONTEXT"] = string(ctxJSON)
	env["AWS_LAMBDA_RUNTIME_API"] = runtimeAPI
	env["AWS_LAMBDA_FUNCTION_NAME"] = opts.Definition.ID
	env["AWS_LAMBDA_FUNCTION_TIMEOUT"] = strconv.Itoa(int(timeout.Seconds()))
	env["AWS_LAMBDA_FUNCTION_VERSION"] = "$LATEST"
	env["_HANDLER"] = opts.Definition.Handler
	if opts.Artifact != nil {
		env["LAMBDA_TASK_ROOT"] = opts.Artifact.Location
	}
	return env
}

// envList renders env over the parent environment, sorted for stable output.
func envList(env map[string]string) []string {
	out := os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// planLaunch picks the command for the artifact's runtime family.
func planLaunch(opts RunOpts, shims *shimSet, env map[string]string) (*launch, error) {
	art := opts.Artifact
	if art == nil {
		return nil, fmt.Errorf("no artifact for %s", opts.Definition.ID)
	}
	l := &launch{Dir: art.Location, Env: env}
	def := opts.Definition

	switch def.Family() {
	case model.FamilyNode:
		shim, err := shims.path("node.js")
		if err != nil {
			return nil, err
		}
		l.Path = "node"
		l.Args = []string{"--enable-source-maps", shim}
		env["BIFROST_HANDLER_FILE"] = nodeHandlerFile(art.Entry)
		env["BIFROST_HANDLER_EXPORT"] = def.HandlerExport()
	case model.FamilyPython:
		shim, err := shims.path("python.py")
		if err != nil {
			return nil, err
		}
		l.Path = pythonFor(def.Runtime)
		l.Args = []string{"-u", shim}
		env["BIFROST_HANDLER_MODULE"] = strings.ReplaceAll(def.HandlerFile(), "/", ".")
		env["BIFROST_HANDLER_FUNCTION"] = def.HandlerExport()
		env["PYTHONPATH"] = art.Location
	case model.FamilyGo:
		l.Path = filepath.Join(art.Location, art.Entry)
	case model.FamilyPassthrough:
		exe, err := bootstrapPath(art)
		if err != nil {
			return nil, err
		}
		l.Path = exe
	default:
		return nil, fmt.Errorf("runtime %s cannot be run locally", def.Runtime)
	}
	return l, nil
}

// nodeHandlerFile strips the export from an unbundled entry ("src/a.handler")
// and keeps bundled file entries ("src/a.js") as they are.
func nodeHandlerFile(entry string) string {
	switch filepath.Ext(entry) {
	case ".js", ".mjs", ".cjs":
		return entry
	}
	file, _ := model.SplitHandler(entry)
	return file
}

func pythonFor(runtime string) string {
	if strings.HasPrefix(runtime, "python2") {
		return "python2"
	}
	return "python3"
}

func bootstrapPath(art *model.BuildArtifact) (string, error) {
	candidates := []string{filepath.Join(art.Location, "bootstrap")}
	if art.Entry != "" {
		candidates = append(candidates, filepath.Join(art.Location, art.Entry))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return c, nil
		}
	}
	return "", fmt.Errorf("no executable bootstrap in %s", art.Location)
}
