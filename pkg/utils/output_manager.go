package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// OutputManager handles output file organization and path management
type OutputManager struct {
	BaseOutputDir string
}

// NewOutputManager creates a new output manager
func NewOutputManager(baseOutputDir string) *OutputManager {
	return &OutputManager{
		BaseOutputDir: baseOutputDir,
	}
}

// CreateJobOutputDir creates the per-job directory for a job's outputs
func (om *OutputManager) CreateJobOutputDir(jobID string) (string, error) {
	jobDir := om.BaseOutputDir
	if jobID != "" {
		jobDir = filepath.Join(om.BaseOutputDir, filepath.Base(jobID))
	}

	// Create the directory if it doesn't exist
	err := os.MkdirAll(jobDir, 0755)
	if err != nil {
		return "", fmt.Errorf("failed to create job output directory: %w", err)
	}

	return jobDir, nil
}

// GetOutputFilePath generates a full path for an output file
func (om *OutputManager) GetOutputFilePath(jobID, fileName string) (string, error) {
	jobDir, err := om.CreateJobOutputDir(jobID)
	if err != nil {
		return "", err
	}

	// Clean the filename to remove any path separators
	cleanFileName := filepath.Base(fileName)
	if cleanFileName == "." || cleanFileName == ".." || cleanFileName == string(filepath.Separator) {
		return "", fmt.Errorf("invalid output filename %q", fileName)
	}

	return filepath.Join(jobDir, cleanFileName), nil
}

// LookupOutputFile returns the path of an existing output file
func (om *OutputManager) LookupOutputFile(jobID, fileName string) (string, error) {
	path := filepath.Join(om.BaseOutputDir, filepath.Base(jobID), filepath.Base(fileName))
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", fileName)
	}
	return path, nil
}

// GetDownloadURL generates a download URL for a file
func (om *OutputManager) GetDownloadURL(jobID, fileName string) string {
	cleanFileName := filepath.Base(fileName)
	return fmt.Sprintf("/api/v1/download/%s/%s", jobID, cleanFileName)
}

// GetContentType determines the media type based on extension
func (om *OutputManager) GetContentType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".las":
		return "application/vnd.las"
	case ".csv":
		return "text/csv"
	case ".txt", ".xyz":
		return "text/plain"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// RemoveJobOutputs deletes every file written for a job
func (om *OutputManager) RemoveJobOutputs(jobID string) error {
	if jobID == "" {
		return nil
	}
	return os.RemoveAll(filepath.Join(om.BaseOutputDir, filepath.Base(jobID)))
}

// EnsureOutputDirExists ensures the base output directory exists
func (om *OutputManager) EnsureOutputDirExists() error {
	return os.MkdirAll(om.BaseOutputDir, 0755)
}
