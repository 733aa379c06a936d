package queue

import (
	"fmt"
	"strconv"
	"time"
)

func ExecutionJobID(executionID int64) string {
	return strconv.FormatInt(executionID, 10)
}

func DelayJobID(executionID, nodeID int64) string {
	return fmt.Sprintf("%d-delay-%d", executionID, nodeID)
}

func DelayJobPrefix(executionID int64) string {
	return fmt.Sprintf("%d-delay-", executionID)
}

func ResumeJobID(executionID int64, at time.Time) string {
	return fmt.Sprintf("%d-resume-%d", executionID, at.UnixMilli())
}

func ResumeJobPrefix(executionID int64) string {
	return fmt.Sprintf("%d-resume-", executionID)
}

func CronSchedulerID(triggerID int64) string {
	return fmt.Sprintf("%d-cron", triggerID)
}

func ScheduleJobID(triggerID int64) string {
	return fmt.Sprintf("%d-schedule", triggerID)
}

// repeatJobID names one firing of a repeatable job.
func repeatJobID(schedulerID string, at time.Time) string {
	return fmt.Sprintf("%s:%d", schedulerID, at.UnixMilli())
}

func repeatJobPrefix(schedulerID string) string {
	return schedulerID + ":"
}
