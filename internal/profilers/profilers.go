// Package profilers sets up optional profiling of the training and test runs.
//
// If linked, it installs the flags -prof (HTTP pprof server on the given port) and -cpu_profile.
package profilers

import (
	"context"
	"flag"
	"fmt"
	"k8s.io/klog/v2"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"runtime/pprof"
)

var (
	flagProfiler   = flag.Int("prof", -1, "If set, serves the pprof profiler at the given port on localhost.")
	flagCPUProfile = flag.String("cpu_profile", "", "Write a CPU profile of the run to `file`.")
	profilerAddr   string

	// globalCtx is set on the call to Setup.
	globalCtx context.Context
)

// Setup starts the HTTP (flag -prof) and CPU profilers (flag -cpu_profile), if they were configured.
// It should be followed by a deferred call to OnQuit.
func Setup(ctx context.Context) {
	globalCtx = ctx
	if *flagProfiler >= 0 {
		setupHTTPProfiler()
	}
	if *flagCPUProfile != "" {
		createCPUProfile()
	}
}

// OnQuit stops the profilers. If the HTTP profiler is running, it keeps the program alive
// until ctx (given to Setup) is cancelled, so the final heap can still be inspected.
func OnQuit() {
	if *flagCPUProfile != "" {
		pprof.StopCPUProfile()
		klog.Infof("CPU profile written to %s", *flagCPUProfile)
	}
	if *flagProfiler >= 0 {
		httpProfilerOnQuit()
	}
}

// createCPUProfile creates the file pointed by *flagCPUProfile and starts the CPU profiling there.
func createCPUProfile() {
	f, err := os.Create(*flagCPUProfile)
	if err != nil {
		klog.Fatal("could not create CPU profile: ", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		klog.Fatal("could not start CPU profile: ", err)
	}
}

func setupHTTPProfiler() {
	profilerAddr = fmt.Sprintf("localhost:%d", *flagProfiler)
	klog.Infof("Serving profiler on http://%s/debug/pprof (e.g.: $ go tool pprof %s/debug/pprof/heap)",
		profilerAddr, profilerAddr)
	go func() {
		klog.Fatal(http.ListenAndServe(profilerAddr, nil))
	}()
}

// httpProfilerOnQuit blocks until the run is interrupted, so the profiler can still be read.
func httpProfilerOnQuit() {
	// Don't freeze on panic.
	if err := recover(); err != nil {
		panic(err)
	}
	if globalCtx == nil || globalCtx.Err() != nil {
		return
	}

	// Garbage collect, to see if there is anything leaking, e.g. device buffers not freed.
	for range 10 {
		runtime.GC()
	}
	klog.Infof("Run finished: kept alive with profiler at http://%s/debug/pprof, interrupt (Ctrl+C) to exit",
		profilerAddr)
	<-globalCtx.Done()
}
