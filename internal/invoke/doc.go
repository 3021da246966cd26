// Package invoke runs code and register accesses on the target under an exception
// guard, turning faults into errors instead of reboots.
package invoke
