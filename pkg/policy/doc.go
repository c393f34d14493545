// Package policy checks configured builds against Rego policies using Open
// Policy Agent.
//
// # Overview
//
// Every policy is a Rego module with a "deny" set. After a build has been
// configured, the Configurer decorator renders the build into an Input
// document and evaluates all enabled policies against it. Each element of
// the deny set becomes a Violation:
//
//	package custom.no_snapshots
//
//	import rego.v1
//
//	deny contains violation if {
//	    endswith(input.properties.version, "-SNAPSHOT")
//	    violation := {
//	        "message": "release builds must not use snapshot versions",
//	        "subject": input.build.name,
//	    }
//	}
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	configurer := policy.NewConfigurer(evaluator, eng, policy.ModeEnforcing, logger)
//
// # Built-in Policies
//
//  1. included-builds - included builds need their own directory and name
//  2. task-dependencies - dependencies must name declared included builds
//  3. project-layout - projects should not share directories
//  4. default-tasks - default tasks should exist once all projects are configured
//
// # Severity Levels
//
// Violations of severity error or critical are blocking. In enforcing mode a
// blocking violation fails the build with a configuration failure carrying
// the POLICY_VIOLATION code. In advisory mode violations are only logged and
// reported.
//
// # Policy Files
//
// Rego files are named after the file. Leading comments become the
// description and a "# severity: <level>" comment sets the severity, which
// defaults to warning. JSON files hold a serialized Policy.
//
// # Hot Reload
//
// Engine.Watch reloads file-backed policies when they change. Built-in
// policies are never replaced.
package policy
