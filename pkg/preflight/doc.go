/*
Package preflight validates a deployment request before anything is mutated.

Checks run in a fixed order and stop at the first failure:

 1. required: environment, tag and strategy are present and well formed
 2. environment: the environment is in the configured allow-list
 3. confirmation: protected environments (prod, production, or
    protected: true) need --confirm <environment>, an interactive answer on
    a terminal, or --yes; recreate there also needs --allow-recreate
 4. image: the runtime can resolve the image (ImageExists, never a pull)
 5. resources: free disk and memory against thresholds; warnings only

A failure is returned as *types.ValidationError and the orchestrator exits 2
without the record reaching DEPLOYING. Validation is deterministic: the same
request against the same configuration and runtime gives the same report.
*/
package preflight
