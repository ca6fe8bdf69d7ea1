package trainer

import (
	"fmt"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"os"
	"time"
)

// ShowProgressDefault reports whether stderr is a terminal, in which case a progress bar is displayed
// while training.
func ShowProgressDefault() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

// newProgressBar for the batches of one epoch. It is invisible if show is false.
func newProgressBar(show bool, numBatches, epoch, numEpochs int) *progressbar.ProgressBar {
	width := 40
	if show {
		if termWidth, _, err := term.GetSize(int(os.Stderr.Fd())); err == nil {
			width = max(10, min(60, termWidth/3))
		}
	}
	return progressbar.NewOptions(numBatches,
		progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d/%d", epoch, numEpochs)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetVisibility(show),
		progressbar.OptionSetWidth(width),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}
