package registry

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// SearchDirs returns the directories probed after PATH: global bin
// directories of the common JavaScript package managers, language
// toolchains, version-manager shims, and system locations. Directories named
// by install-location environment variables come first.
func SearchDirs() []string {
	return searchDirs(os.Getenv, userHome())
}

func userHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func searchDirs(getenv func(string) string, home string) []string {
	var dirs []string
	add := func(parts ...string) {
		for _, p := range parts {
			if p == "" {
				return
			}
		}
		dirs = append(dirs, filepath.Join(parts...))
	}

	// Install locations from the environment.
	add(getenv("NPM_CONFIG_PREFIX"), "bin")
	add(getenv("BUN_INSTALL"), "bin")
	add(getenv("PNPM_HOME"))
	add(getenv("VOLTA_HOME"), "bin")
	add(getenv("CARGO_HOME"), "bin")
	add(getenv("GOBIN"))
	add(getenv("GOPATH"), "bin")
	add(getenv("ASDF_DATA_DIR"), "shims")
	add(getenv("MISE_DATA_DIR"), "shims")
	add(getenv("NVM_BIN"))

	if home != "" {
		add(home, ".npm-global", "bin")
		add(home, ".yarn", "bin")
		add(home, ".config", "yarn", "global", "node_modules", ".bin")
		add(home, ".bun", "bin")
		add(home, ".local", "share", "pnpm")
		add(home, "Library", "pnpm")
		add(home, ".volta", "bin")
		add(home, ".cargo", "bin")
		add(home, "go", "bin")
		add(home, ".asdf", "shims")
		add(home, ".local", "share", "mise", "shims")
		add(home, ".nvm", "current", "bin")
		add(home, ".local", "bin")
	}

	if runtime.GOOS == "windows" {
		add(getenv("APPDATA"), "npm")
		add(getenv("LOCALAPPDATA"), "pnpm")
		add(getenv("LOCALAPPDATA"), "Programs")
	} else {
		dirs = append(dirs,
			"/opt/homebrew/bin",
			"/usr/local/bin",
			"/usr/bin",
			"/bin",
			"/snap/bin",
		)
	}

	return dedupe(dirs)
}

func dedupe(dirs []string) []string {
	seen := make(map[string]bool, len(dirs))
	out := dirs[:0]
	for _, d := range dirs {
		d = filepath.Clean(d)
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// findBinary is the default lookupFunc.
func findBinary(binary string, dirs []string) (string, bool) {
	if binary == "" {
		return "", false
	}
	if filepath.IsAbs(binary) {
		return binary, isExecutable(binary)
	}
	if path, err := exec.LookPath(binary); err == nil {
		return path, true
	}
	for _, dir := range dirs {
		for _, name := range candidateNames(binary) {
			path := filepath.Join(dir, name)
			if isExecutable(path) {
				return path, true
			}
		}
	}
	return "", false
}

func candidateNames(binary string) []string {
	if runtime.GOOS != "windows" || filepath.Ext(binary) != "" {
		return []string{binary}
	}
	return []string{binary + ".exe", binary + ".cmd", binary + ".bat", binary}
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
