/*
Package log provides structured logging for the delegator and executor
daemons, built on zerolog.

Init must be called once at daemon startup with the resolved Config; every
other package calls log.WithComponent/WithDelegationID/WithAssignmentID to
get a child logger carrying the relevant id, rather than logging through the
global Logger directly once an id is in scope.
*/
package log
