/*
Package health decides whether a freshly deployed version is serving.

Checkers perform a single probe:

  - HTTPChecker: status code range; NewEndpointChecker additionally requires
    a JSON body with "status": "healthy", so a process that is up but
    reports "degraded" fails the probe
  - GRPCChecker: grpc.health.v1 Check, SERVING only
  - TCPChecker: the port accepts a connection
  - ExecChecker: a host command exits 0

The Verifier turns a checker into a verdict. It probes up to Policy.Retries
times, pausing Policy.Interval (plus optional jitter) between probes, and
stops at the first healthy result:

	v := health.NewVerifier()
	out := v.Verify(ctx, health.NewEndpointChecker(url), health.Policy{
		Retries:  10,
		Interval: 5 * time.Second,
		Deadline: 2 * time.Minute,
	})
	if err := out.Err(); err != nil {
		// *types.HealthCheckTimeoutError with every attempt
	}

Verify blocks the caller for the whole run. Policy.Deadline bounds total
time regardless of Retries and Interval. Time comes from the Clock
interface; healthtest.FakeClock lets tests drive many retries instantly.
*/
package health
