/*
Package config loads rollout settings with viper.

Values are resolved from, in increasing precedence: built-in defaults, a YAML
file (--config, or rollout.yaml in the working directory), ROLLOUT_*
environment variables (dots become underscores, so ROLLOUT_HEALTH_RETRIES
sets health.retries), and explicitly changed CLI flags.

A minimal file:

	service: api
	image:
	  repository: registry.example.com/team/api
	environments:
	  staging:
	    health_url: http://api.staging.internal/health
	    replicas: 2
	  prod:
	    health_url: https://api.example.com/health
	    replicas: 4
	runtime:
	  kind: kubernetes
	  kubernetes:
	    kubeconfig: ~/.kube/config

The environments map is the deployment allow-list. "prod" and "production"
are always protected; any other environment can opt in with protected: true.
*/
package config
