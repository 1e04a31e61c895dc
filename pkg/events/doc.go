/*
Package events fans out protocol.TaskEvents to SSE subscribers, one Hub per
assignment id, latching the terminal event so a subscriber attaching after
completion still gets it exactly once.
*/
package events
