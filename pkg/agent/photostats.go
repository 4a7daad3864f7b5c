package agent

import (
	"context"
	"encoding/json"
	"io/fs"
	"path/filepath"
	"strings"
)

// imageExtensions are the file types photostats counts as photos.
var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".tif": true, ".tiff": true,
	".heic": true, ".dng": true, ".raw": true, ".nef": true, ".cr2": true,
	".cr3": true, ".arw": true, ".raf": true, ".orf": true,
}

// photostatsResult is the tool's JSON result shape.
type photostatsResult struct {
	Files       int            `json:"files"`
	Photos      int            `json:"photos"`
	TotalBytes  int64          `json:"total_bytes"`
	ByExtension map[string]int `json:"by_extension"`
}

// Photostats walks a local collection and summarizes its contents. It is
// the reference tool shipped with the agent; heavier analysis tools hook in
// through the same Tool interface.
func Photostats() Tool {
	return SnapshotTool(func(ctx context.Context, job *ClaimedJob, report func(progress any)) (json.RawMessage, error) {
		if job.Collection == nil || job.Collection.SourcePath == "" {
			return json.Marshal(&photostatsResult{ByExtension: map[string]int{}})
		}

		result := &photostatsResult{ByExtension: make(map[string]int)}
		err := filepath.WalkDir(job.Collection.SourcePath, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Unreadable entries are skipped, not fatal.
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				return nil
			}
			result.Files++
			ext := strings.ToLower(filepath.Ext(path))
			result.ByExtension[ext]++
			if imageExtensions[ext] {
				result.Photos++
			}
			if info, err := d.Info(); err == nil {
				result.TotalBytes += info.Size()
			}
			if result.Files%1000 == 0 {
				report(map[string]int{"files_scanned": result.Files})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	})
}
