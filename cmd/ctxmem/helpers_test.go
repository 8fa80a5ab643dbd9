package main

import (
	"os"
)

func writeFile(path, data string) error {
	return os.WriteFile(path, []byte(data), 0o644)
}

// writeConfig writes a YAML config rooted at dataDir with extra appended.
func writeConfig(path, dataDir, extra string) error {
	return writeFile(path, "data_dir: "+dataDir+"\n"+extra)
}
