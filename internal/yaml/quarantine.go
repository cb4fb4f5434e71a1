package yaml

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// QuarantineAnnotation is written next to a quarantined file so an operator
// can judge how much of the document survived before the parse error.
type QuarantineAnnotation struct {
	SchemaVersion int     `yaml:"schema_version"`
	FileType      string  `yaml:"file_type"`
	SourcePath    string  `yaml:"source_path"`
	QuarantinedAt string  `yaml:"quarantined_at"`
	Confidence    float64 `yaml:"confidence"`
	ParseError    string  `yaml:"parse_error"`
}

func Quarantine(factoryDir, filePath string) (string, error) {
	quarantineDir := filepath.Join(factoryDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	content, readErr := os.ReadFile(filePath)

	baseName := filepath.Base(filePath)
	timestamp := time.Now().Format("20060102T150405")
	quarantineName := fmt.Sprintf("%s.%s.corrupt", baseName, timestamp)
	quarantinePath := filepath.Join(quarantineDir, quarantineName)

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}

	if readErr == nil {
		confidence, parseErr := parseConfidence(content)
		annotation := QuarantineAnnotation{
			SchemaVersion: CurrentSchemaVersion,
			FileType:      "quarantine_annotation",
			SourcePath:    filePath,
			QuarantinedAt: time.Now().UTC().Format(time.RFC3339),
			Confidence:    confidence,
			ParseError:    parseErr,
		}
		annotationPath := quarantinePath + ".meta.yaml"
		if err := AtomicWrite(annotationPath, annotation); err != nil {
			log.Printf("quarantine annotation write failed: %v", err)
		}
	}

	log.Printf("quarantined corrupted file: %s -> %s", filePath, quarantinePath)
	return quarantinePath, nil
}

// parseConfidence estimates how much of the document is intact: the fraction
// of leading lines that still parse as YAML on their own. 1.0 means the whole
// document parses (corruption is semantic, not syntactic).
func parseConfidence(content []byte) (float64, string) {
	var v any
	err := yamlv3.Unmarshal(content, &v)
	if err == nil {
		return 1.0, ""
	}

	lines := bytes.Split(content, []byte("\n"))
	total := len(lines)
	if total == 0 {
		return 0, err.Error()
	}

	good := 0
	for n := total; n > 0; n-- {
		prefix := bytes.Join(lines[:n], []byte("\n"))
		var p any
		if yamlv3.Unmarshal(prefix, &p) == nil {
			good = n
			break
		}
	}
	return float64(good) / float64(total), err.Error()
}

func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	if _, err := os.Stat(bakPath); os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}

	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	// Validate backup is valid YAML
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}

	log.Printf("restored from backup: %s -> %s", bakPath, filePath)
	return nil
}

func GenerateSkeleton(filePath string, fileType string) error {
	skeleton := generateSkeletonForType(fileType)
	content, err := yamlv3.Marshal(skeleton)
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("write skeleton: %w", err)
	}

	log.Printf("generated skeleton: %s (type: %s)", filePath, fileType)
	return nil
}

func RecoverCorruptedFile(factoryDir, filePath, fileType string) error {
	// Step 1: Quarantine the corrupted file
	if _, err := Quarantine(factoryDir, filePath); err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}

	// Step 2: Try to restore from .bak
	if err := RestoreFromBackup(filePath); err != nil {
		log.Printf("backup restore failed for %s: %v, falling back to skeleton generation", filePath, err)
	} else {
		return nil
	}

	// Step 3: Generate minimal skeleton
	if err := GenerateSkeleton(filePath, fileType); err != nil {
		return fmt.Errorf("skeleton generation failed: %w", err)
	}

	return nil
}

func generateSkeletonForType(fileType string) any {
	switch fileType {
	case "queue_task":
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      "queue_task",
			"tasks":          []any{},
		}
	case "merge_history":
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      "merge_history",
			"records":        []any{},
		}
	default:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      fileType,
		}
	}
}
