// Package main runs the crawler engine: the scheduler, the durable job
// queue with its trigger and retention loops, the worker pool, and the HTTP
// control surface.
package main
