// Package health holds the liveness and readiness probes served on the ops
// listener.
//
// Probes compose with [All] and [Any]. [WithTimeout] bounds probes that call
// out, such as the Redis ping. [ShutdownGate] fails readiness as soon as a
// drain starts so load balancers stop routing before the server closes.
package health
