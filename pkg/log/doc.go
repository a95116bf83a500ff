/*
Package log provides structured logging for a653hv using zerolog.

Every component logger is derived from the single global Logger installed by
Init: WithComponent tags internal package names (scheduler, partition,
cgroup), WithPartition tags lines attributable to one partition's run, and
WithFrame tags the dispatch loop's current major-frame sequence number.
Application messages reported by a partition via report_application_message
are logged at info level through WithPartition, with the level the partition
requested recorded as an integer "level" field.
*/
package log
