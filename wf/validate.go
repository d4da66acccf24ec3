package wf

import (
	"image"
	"os"

	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// VerifyImages decodes every image of the index and returns the paths
// that fail to open or decode, so corrupt files can be weeded out
// before they abort a training epoch. With verbose set it draws a
// progress bar.
func (idx *Index) VerifyImages(verbose bool) (bad []string) {
	var pBar *progressbar.ProgressBar
	if verbose {
		pBar = progressbar.NewOptions(idx.NumExamples(),
			progressbar.OptionSetDescription("Verifying"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}
	for _, example := range idx.Examples {
		if pBar != nil {
			_ = pBar.Add(1)
		}
		if !decodes(example.Path) {
			bad = append(bad, example.Path)
		}
	}
	if pBar != nil {
		_ = pBar.Close()
	}
	if len(bad) > 0 {
		klog.Warningf("%d of %d images failed to decode", len(bad), idx.NumExamples())
	}
	return
}

func decodes(filePath string) bool {
	f, err := os.Open(filePath)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()
	_, _, err = image.Decode(f)
	return err == nil
}
