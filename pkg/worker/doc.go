// Package worker provides the background components that drive hyperflow
// instances forward without a human in the loop.
//
// The Scanner polls the persistence layer for due delay timers and fires
// each through the engine. Claiming a timer removes it atomically, so any
// number of scanner processes can share one store: a timer fires exactly
// once, and a fire that fails is re-armed for a later scan.
//
// The Scheduler turns persisted Crontab rows into recurring workflow starts
// using robfig/cron. Rows are registered per process; call Rehydrate at
// startup to reload the stored schedules, then Start to begin firing.
//
// Both components are long-lived and typically run in dedicated goroutines
// next to the HTTP service:
//
//	sc := worker.NewScanner(worker.ScannerConfig{Engine: eng, Store: store})
//	go sc.Run(ctx)
//
//	sched := worker.NewScheduler(worker.SchedulerConfig{Engine: eng, Store: store})
//	sched.Rehydrate(ctx)
//	sched.Start()
//	defer sched.Stop()
package worker
