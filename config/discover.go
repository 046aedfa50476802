package runtime_config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const FileName = "scriptrun.hcl"

var ErrConfigNotFound = errors.New("config file not found")

// Discover walks up from startFolder (or the folder of a file) and returns the
// path of the nearest config file.
func Discover(startFolder string) (string, error) {
	currentDirectory, err := filepath.Abs(startFolder)
	if err != nil {
		return "", fmt.Errorf("error discovering config: %w", err)
	}
	if fileInfo, err := os.Stat(currentDirectory); err == nil && !fileInfo.IsDir() {
		currentDirectory = filepath.Dir(currentDirectory)
	}

	for {
		filePath := filepath.Join(currentDirectory, FileName)
		if configFile, err := os.Stat(filePath); err == nil && !configFile.IsDir() {
			return filePath, nil
		}
		parent := filepath.Dir(currentDirectory)
		if parent == currentDirectory {
			return "", fmt.Errorf("%v from %v: %w", FileName, startFolder, ErrConfigNotFound)
		}
		currentDirectory = parent
	}
}
