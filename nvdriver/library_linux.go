//go:build linux

package nvdriver

import (
	"bufio"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	reLdConfInclude = regexp.MustCompile(`^\s*include\s*(.*)$`)
	reLdConfComment = regexp.MustCompile(`^\s*#`)
	reLdConfPath    = regexp.MustCompile(`^\s*(.+?)\s*$`)
)

// searchPaths returns the directories searched for the driver library: LD_LIBRARY_PATH entries followed
// by the ones configured in /etc/ld.so.conf.
func searchPaths() []string {
	var paths []string
	for _, ldPath := range strings.Split(os.Getenv("LD_LIBRARY_PATH"), ":") {
		if ldPath == "" || !path.IsAbs(ldPath) {
			continue
		}
		paths = append(paths, ldPath)
	}
	return loadLibraryPaths(paths, "/etc/ld.so.conf")
}

// loadLibraryPaths appends to paths the directories listed in fileWithIncludes, following its "include"
// entries recursively.
func loadLibraryPaths(paths []string, fileWithIncludes string) []string {
	klog.V(2).Infof("Loading paths for libraries from %q", fileWithIncludes)
	file, err := os.Open(fileWithIncludes)
	if err != nil {
		klog.V(1).Infof("Failed to load paths for libraries from %q: %v", fileWithIncludes, err)
		return paths
	}
	defer func() { _ = file.Close() }()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if parts := reLdConfInclude.FindStringSubmatch(line); len(parts) > 0 {
			pattern := parts[1]
			if !path.IsAbs(pattern) {
				pattern = path.Join(path.Dir(fileWithIncludes), pattern)
			}
			files, err := filepath.Glob(pattern)
			if err != nil {
				klog.Errorf("Failed to expand include entry %q of %q: %v", parts[1], fileWithIncludes, err)
				continue
			}
			for _, includeFile := range files {
				paths = loadLibraryPaths(paths, includeFile)
			}

		} else if reLdConfComment.MatchString(line) {
			continue

		} else if parts := reLdConfPath.FindStringSubmatch(line); len(parts) > 0 {
			paths = append(paths, parts[1])
		}
	}
	if err := scanner.Err(); err != nil {
		klog.Errorf("Error while loading paths for libraries from %q: %v", fileWithIncludes, err)
	}
	return paths
}

// libraryCandidates lists the files to try to dlopen, in order. If explicit is set, it's the only candidate.
func libraryCandidates(explicit string) []string {
	if explicit != "" {
		return []string{explicit}
	}
	var candidates []string
	for _, dir := range searchPaths() {
		for _, name := range libraryNames {
			candidate := path.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				candidates = append(candidates, candidate)
			}
		}
	}
	// Let the dynamic loader try its own cache last.
	return append(candidates, libraryNames...)
}

// openLibrary dlopens the first loadable candidate.
func openLibrary(explicit string) (handle uintptr, libPath string, err error) {
	var errs []string
	for _, candidate := range libraryCandidates(explicit) {
		klog.V(2).Infof("trying to load library %s", candidate)
		handle, err = purego.Dlopen(candidate, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			klog.V(1).Infof("loaded library %s", candidate)
			return handle, candidate, nil
		}
		errs = append(errs, err.Error())
	}
	return 0, "", errors.Errorf("failed to load the NVIDIA driver library (%q): %s -- set %s to its path, "+
		"or check that the NVIDIA driver is installed", libraryNames, strings.Join(errs, "; "), LibraryPathEnv)
}

var (
	muHasNvidiaGPU    sync.Mutex
	hasNvidiaGPUCache *bool
)

// hasNvidiaGPU tries to guess if there is an actual NVIDIA GPU installed (as opposed to only the driver
// library), by checking for the device files /dev/nvidia* or running nvidia-smi.
func hasNvidiaGPU() bool {
	muHasNvidiaGPU.Lock()
	defer muHasNvidiaGPU.Unlock()
	if hasNvidiaGPUCache != nil {
		return *hasNvidiaGPUCache
	}
	hasGPU := probeNvidiaGPU()
	hasNvidiaGPUCache = &hasGPU
	return hasGPU
}

func probeNvidiaGPU() bool {
	matches, err := filepath.Glob("/dev/nvidia*")
	if err != nil {
		klog.Errorf("Failed to search for files matching \"/dev/nvidia*\": %v", err)
	}
	if len(matches) > 0 {
		return true
	}
	klog.V(1).Infof("No NVIDIA devices found matching \"/dev/nvidia*\", checking nvidia-smi command instead.")
	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		output, err := exec.Command("nvidia-smi").CombinedOutput()
		if err == nil && strings.Contains(string(output), "NVIDIA-SMI") {
			return true
		}
	}
	klog.V(1).Infof("nvidia-smi command did not succeed, assuming there are no NVIDIA GPUs installed. "+
		"To skip this check set %s=0.", ChecksEnv)
	return false
}

// checksEnabled reports whether the GPU presence check should run.
func checksEnabled() bool {
	value := strings.ToUpper(os.Getenv(ChecksEnv))
	return value == "" || value == "1" || value == "TRUE" || value == "YES"
}
