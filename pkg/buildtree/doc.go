// Package buildtree wires launchers for a tree of builds.
//
// Services holds what every build of a process shares: configuration,
// telemetry, the policy engine and the history database. A Tree is one
// root build plus the nested builds it includes. The root launcher owns the
// included build registry; nested launchers are created on demand when a
// root task depends on a task of an included build, share the root's
// scheduler and are stopped together with the root.
//
//	svc, err := buildtree.Open(ctx, cfg, tel)
//	if err != nil {
//		return err
//	}
//	defer svc.Close()
//
//	tree, err := svc.NewTree(ctx, cfg.StartParameter(dir, []string{"build"}))
//	if err != nil {
//		return err
//	}
//	result := tree.Run(ctx)
package buildtree
