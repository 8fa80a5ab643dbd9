package main

import (
	"context"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// Plugins are executables named ctxmem-<name> somewhere on PATH. They get the
// store location through the environment so they can open it with pkg/v1.
const pluginPrefix = "ctxmem-"

type plugin struct {
	name string
	path string
}

func lookupPlugin(name string) (*plugin, error) {
	p, err := exec.LookPath(pluginPrefix + name)
	if err != nil {
		return nil, goerr.Wrap(err, "unknown command", goerr.V("command", name))
	}
	return &plugin{name: name, path: p}, nil
}

// listPlugins returns plugin names in PATH order, first hit wins.
func listPlugins() []string {
	var names []string
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name, ok := pluginName(entry)
			if ok && !slices.Contains(names, name) {
				names = append(names, name)
			}
		}
	}
	return names
}

func pluginName(entry fs.DirEntry) (string, bool) {
	name, ok := strings.CutPrefix(entry.Name(), pluginPrefix)
	if !ok || name == "" || entry.IsDir() {
		return "", false
	}
	info, err := entry.Info()
	if err != nil || info.Mode()&0o111 == 0 {
		return "", false
	}
	return name, true
}

func (p *plugin) run(ctx context.Context, args []string, version string) error {
	cmd := exec.CommandContext(ctx, p.path, args...)
	cmd.Env = pluginEnv(version)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		return goerr.Wrap(err, "plugin failed", goerr.V("plugin", p.name))
	}
	return nil
}

// pluginEnv resolves the store location the same way the root flags do, so a
// plugin opens the same config file ctxmem itself would.
func pluginEnv(version string) []string {
	bin, _ := os.Executable()
	env := append(os.Environ(),
		"CTXMEM_VERSION="+version,
		"CTXMEM_BIN="+bin,
	)
	if os.Getenv("CTXMEM_CONFIG") == "" {
		if abs, err := filepath.Abs(defaultConfigPath); err == nil {
			env = append(env, "CTXMEM_CONFIG="+abs)
		}
	}
	return env
}
