package permgraph

// ============================================================================
// SAAS PRESET
// ============================================================================

// SaaSSchema returns a ready-made multi-tenant site-builder schema: users
// with profiles, teams with members and invitations, and per-team projects
// owning blogs, domains, pages, components and cost rows.
func SaaSSchema() (*Schema, error) {
	entities := []EntityType{
		{Name: "$users", Attributes: []Attribute{
			{Name: "email", Kind: KindString, Unique: true, Indexed: true},
		}},
		{Name: "profiles", Attributes: []Attribute{
			{Name: "name", Kind: KindString},
			{Name: "image", Kind: KindString, Optional: true},
			{Name: "githubInstallationId", Kind: KindString, Optional: true},
			{Name: "createdAt", Kind: KindDate},
		}},
		{Name: "teams", Attributes: []Attribute{
			{Name: "name", Kind: KindString},
			{Name: "slug", Kind: KindString, Unique: true, Indexed: true},
			{Name: "createdAt", Kind: KindDate},
		}},
		{Name: "members", Attributes: []Attribute{
			{Name: "role", Kind: KindString},
			{Name: "createdAt", Kind: KindDate},
			{Name: "lastViewedAt", Kind: KindDate, Optional: true},
		}},
		{Name: "invitations", Attributes: []Attribute{
			{Name: "email", Kind: KindString, Indexed: true},
			{Name: "role", Kind: KindString},
			{Name: "status", Kind: KindString},
			{Name: "createdAt", Kind: KindDate},
		}},
		{Name: "projects", Attributes: []Attribute{
			{Name: "name", Kind: KindString},
			{Name: "slug", Kind: KindString, Unique: true, Indexed: true},
			{Name: "bodyFont", Kind: KindString, Optional: true},
			{Name: "codeFont", Kind: KindString, Optional: true},
			{Name: "colorPrimary", Kind: KindString, Optional: true},
			{Name: "colorSecondary", Kind: KindString, Optional: true},
			{Name: "colorNeutral", Kind: KindString, Optional: true},
			{Name: "githubRepo", Kind: KindString, Optional: true},
			{Name: "githubInstallationId", Kind: KindString, Optional: true},
			{Name: "createdAt", Kind: KindDate},
		}},
		{Name: "blogs", Attributes: []Attribute{
			{Name: "title", Kind: KindString},
			{Name: "slug", Kind: KindString, Indexed: true},
			{Name: "json", Kind: KindJSON},
			{Name: "html", Kind: KindString},
			{Name: "createdAt", Kind: KindDate},
			{Name: "updatedAt", Kind: KindDate},
			{Name: "publishedAt", Kind: KindDate, Optional: true},
		}},
		{Name: "domains", Attributes: []Attribute{
			{Name: "url", Kind: KindString},
			{Name: "createdAt", Kind: KindDate},
		}},
		{Name: "pages", Attributes: []Attribute{
			{Name: "path", Kind: KindString},
			{Name: "code", Kind: KindString, Optional: true},
			{Name: "metaTitle", Kind: KindString, Optional: true},
			{Name: "metaDescription", Kind: KindString, Optional: true},
			{Name: "openGraphImage", Kind: KindString, Optional: true},
			{Name: "favicon", Kind: KindString, Optional: true},
			{Name: "createdAt", Kind: KindDate},
			{Name: "updatedAt", Kind: KindDate},
		}},
		{Name: "components", Attributes: []Attribute{
			{Name: "ordinality", Kind: KindNumber, Indexed: true},
			{Name: "type", Kind: KindString},
			{Name: "design", Kind: KindString},
			{Name: "data", Kind: KindJSON},
			{Name: "createdAt", Kind: KindDate},
			{Name: "updatedAt", Kind: KindDate},
		}},
		{Name: "costs", Attributes: []Attribute{
			{Name: "internalCost", Kind: KindNumber},
			{Name: "startOfMonth", Kind: KindDate, Indexed: true},
		}},
	}

	links := []LinkDef{
		{Name: "userProfile",
			Forward: LinkSide{On: "profiles", Has: One, Label: "user", OnDelete: Cascade},
			Reverse: LinkSide{On: "$users", Has: One, Label: "profile", OnDelete: Cascade}},
		{Name: "profileMemberships",
			Forward: LinkSide{On: "members", Has: One, Label: "profile", OnDelete: Cascade},
			Reverse: LinkSide{On: "profiles", Has: Many, Label: "memberships"}},
		{Name: "teamMembers",
			Forward: LinkSide{On: "members", Has: One, Label: "team", OnDelete: Cascade},
			Reverse: LinkSide{On: "teams", Has: Many, Label: "members"}},
		{Name: "teamProjects",
			Forward: LinkSide{On: "projects", Has: One, Label: "team", OnDelete: Cascade},
			Reverse: LinkSide{On: "teams", Has: Many, Label: "projects"}},
		{Name: "teamInvitations",
			Forward: LinkSide{On: "invitations", Has: One, Label: "team", OnDelete: Cascade},
			Reverse: LinkSide{On: "teams", Has: Many, Label: "invitations"}},
		{Name: "invitationInviter",
			Forward: LinkSide{On: "invitations", Has: One, Label: "inviter", OnDelete: Cascade},
			Reverse: LinkSide{On: "profiles", Has: Many, Label: "sentInvitations"}},
		{Name: "projectBlogs",
			Forward: LinkSide{On: "blogs", Has: One, Label: "project", OnDelete: Cascade},
			Reverse: LinkSide{On: "projects", Has: Many, Label: "blogs"}},
		{Name: "blogAuthor",
			Forward: LinkSide{On: "blogs", Has: Many, Label: "authors"},
			Reverse: LinkSide{On: "profiles", Has: Many, Label: "blogs"}},
		{Name: "projectDomains",
			Forward: LinkSide{On: "domains", Has: One, Label: "project", OnDelete: Cascade},
			Reverse: LinkSide{On: "projects", Has: Many, Label: "domains"}},
		{Name: "projectPages",
			Forward: LinkSide{On: "pages", Has: One, Label: "project", OnDelete: Cascade},
			Reverse: LinkSide{On: "projects", Has: Many, Label: "pages"}},
		{Name: "projectCosts",
			Forward: LinkSide{On: "costs", Has: One, Label: "project", OnDelete: Cascade},
			Reverse: LinkSide{On: "projects", Has: Many, Label: "costs"}},
		{Name: "pageComponents",
			Forward: LinkSide{On: "components", Has: One, Label: "page", OnDelete: Cascade},
			Reverse: LinkSide{On: "pages", Has: Many, Label: "components"}},
		{Name: "componentHierarchy",
			Forward: LinkSide{On: "components", Has: One, Label: "parent", OnDelete: Cascade},
			Reverse: LinkSide{On: "components", Has: Many, Label: "children"}},
	}

	return NewSchema(entities, links)
}

// SaaSRules returns the rule definitions matching SaaSSchema. Deletes are
// denied by default; server-side admin paths are expected to bypass the
// engine entirely for those.
func SaaSRules() map[string]RuleDef {
	return map[string]RuleDef{
		DefaultEntityKey: {
			Allow: map[Action]string{
				ActionDelete: "false",
			},
		},

		"profiles": {
			Allow: map[Action]string{
				ActionView:   `auth.id in data.ref("user.id")`,
				ActionCreate: `auth.id in data.ref("user.id") && data.name != null`,
				ActionUpdate: `auth.id in data.ref("user.id") && newData.name != null && hasValidUserLink`,
			},
			Bind: []string{
				"hasValidUserLink",
				`newData.user != null && newData.user == auth.id`,
			},
		},

		"invitations": {
			Allow: map[Action]string{
				ActionView:   "inSameTeam",
				ActionCreate: `data.email != null && data.role != null && data.status != null && data.createdAt != null && data.inviter != null && size(data.ref("team.id")) != 0 && limit`,
				ActionUpdate: "false",
				ActionDelete: `auth.id in data.ref("inviter.user.id")`,
			},
			Bind: []string{
				"inSameTeam",
				`auth.id in data.ref("team.members.profile.user.id")`,
				// one user cannot send unboundedly many invitations
				"limit",
				`size(data.ref("inviter.sentInvitations.id")) < MAX_ITEMS`,
			},
		},

		"members": {
			Allow: map[Action]string{
				ActionView: "inSameTeam",
				// members can only be created together with a new team;
				// invite acceptance goes through a server path
				ActionCreate: `auth.id in data.ref("profile.user.id") && size(data.ref("team.members.id")) == 1 && hasRequiredAttrs && hasRequiredOneLinks && limit`,
				ActionUpdate: "false",
			},
			Bind: []string{
				"hasRequiredAttrs",
				`data.role != null && data.createdAt != null`,
				"hasRequiredOneLinks",
				`size(data.ref("profile.id")) != 0 && size(data.ref("team.id")) != 0`,
				"inSameTeam",
				`auth.id in data.ref("team.members.profile.user.id")`,
				"limit",
				`size(data.ref("profile.memberships.id")) < MAX_ITEMS`,
			},
		},

		// a user cannot be a member of unboundedly many teams
		"teams": {
			Allow: map[Action]string{
				ActionView:   `auth.id in data.ref("members.profile.user.id")`,
				ActionCreate: `auth.id != null && size(auth.ref("$user.profile.memberships.id")) < MAX_ITEMS`,
			},
		},

		"projects": {
			Allow: map[Action]string{
				ActionView:   "inSameTeam",
				ActionCreate: `hasRequiredAttrs && data.team != null && linksValidTeam && limit`,
				ActionUpdate: `inSameTeam && updateHasRequiredAttrs && newData.team == data.team`,
			},
			Bind: []string{
				"inSameTeam",
				`auth.id in data.ref("team.members.profile.user.id")`,
				"hasRequiredAttrs",
				`data.name != null && data.slug != null && data.createdAt != null`,
				"updateHasRequiredAttrs",
				`newData.name != null && newData.slug != null && newData.createdAt != null`,
				"linksValidTeam",
				`size(data.ref("team.id")) != 0`,
				"limit",
				`size(data.ref("team.projects.id")) < MAX_ITEMS`,
			},
		},

		"blogs": {
			Allow: map[Action]string{
				ActionView:   "inSameProject",
				ActionCreate: `hasRequiredBlogAttrs && data.project != null && linksValidProject`,
				ActionUpdate: "false",
			},
			Bind: []string{
				"inSameProject",
				`auth.id in data.ref("project.team.members.profile.user.id")`,
				"hasRequiredBlogAttrs",
				`data.title != null && data.slug != null && data.json != null && data.html != null && data.createdAt != null && data.updatedAt != null`,
				"linksValidProject",
				`size(data.ref("project.id")) != 0`,
			},
		},

		"domains": {
			Allow: map[Action]string{
				ActionView:   "inSameProject",
				ActionCreate: `hasRequiredDomainAttrs && data.project != null && linksValidProject`,
				ActionUpdate: "false",
			},
			Bind: []string{
				"inSameProject",
				`auth.id in data.ref("project.team.members.profile.user.id")`,
				"hasRequiredDomainAttrs",
				`data.url != null && data.createdAt != null`,
				"linksValidProject",
				`size(data.ref("project.id")) != 0`,
			},
		},

		"pages": {
			Allow: map[Action]string{
				ActionView:   "inSameProject",
				ActionCreate: `hasRequiredPageAttrs && data.project != null && linksValidProject`,
				ActionUpdate: "false",
				ActionDelete: "false",
			},
			Bind: []string{
				"inSameProject",
				`auth.id in data.ref("project.team.members.profile.user.id")`,
				"hasRequiredPageAttrs",
				`data.path != null && data.createdAt != null && data.updatedAt != null`,
				"linksValidProject",
				`size(data.ref("project.id")) != 0`,
			},
		},

		"costs": {
			Allow: map[Action]string{
				ActionView:   "inSameProject",
				ActionCreate: `hasRequiredCostAttrs && data.project != null && linksValidProject`,
				ActionUpdate: "false",
			},
			Bind: []string{
				"inSameProject",
				`auth.id in data.ref("project.team.members.profile.user.id")`,
				"hasRequiredCostAttrs",
				`data.internalCost != null && data.startOfMonth != null`,
				"linksValidProject",
				`size(data.ref("project.id")) != 0`,
			},
		},
	}
}

// SaaSConfig bundles the preset as a loadable Config
func SaaSConfig() *Config {
	schema, err := SaaSSchema()
	if err != nil {
		panic(err)
	}
	return &Config{
		Version:  1,
		MaxItems: DefaultMaxItems,
		Entities: entityDecls(schema),
		Links:    schema.Links(),
		Rules:    SaaSRules(),
	}
}

func entityDecls(s *Schema) []EntityType {
	names := s.Entities()
	out := make([]EntityType, 0, len(names))
	for _, n := range names {
		et, _ := s.Entity(n)
		out = append(out, *et)
	}
	return out
}
