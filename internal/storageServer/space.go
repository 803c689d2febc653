package storageServer

import (
	"io/fs"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/disk"
)

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// directorySize sums the sizes of regular files below path.
func directorySize(path string) (size uint64, err error) {
	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			size += uint64(info.Size())
		}
		return nil
	})
	return
}

func (s *Server) logDiskUsage() {
	usage, err := disk.Usage(s.config.BaseDir)
	if err != nil {
		s.log.Warn("disk usage unavailable", logKeyPath, s.config.BaseDir, logKeyError, err)
		return
	}
	stored, err := directorySize(filepath.Join(s.config.BaseDir, sharesDir))
	if err != nil {
		s.log.Warn("share directory size unavailable", logKeyError, err)
	}
	s.log.Info("disk usage",
		logKeyPath, s.config.BaseDir,
		"fstype", usage.Fstype,
		"total", humanize.IBytes(usage.Total),
		"used", humanize.IBytes(usage.Used),
		"free", humanize.IBytes(usage.Free),
		"shares", humanize.IBytes(stored),
		"reserved", humanize.IBytes(s.config.ReservedSpace),
		"readonly", s.config.ReadOnly)
}
