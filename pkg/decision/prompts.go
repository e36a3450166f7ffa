package decision

import (
	"github.com/openfroyo/upgrader/pkg/engine"
	"github.com/openfroyo/upgrader/pkg/protocol"
)

// Prompt converts an engine question into the signal that asks it. ok is
// false for question kinds the protocol cannot express.
func Prompt(q engine.Question) (name protocol.SignalName, payload interface{}, ok bool) {
	switch v := q.(type) {
	case engine.InstallIgnorePkgQuestion:
		return protocol.SignalAskInstallIgnorePkg, &protocol.AskInstallIgnorePkgPayload{
			Package: pkgName(v.Package),
		}, true

	case engine.ReplacePkgQuestion:
		p := &protocol.AskReplacePkgPayload{
			OldPackage: pkgName(v.OldPackage),
			NewRepo:    v.NewRepo,
			NewPackage: pkgName(v.NewPackage),
		}
		if v.OldPackage != nil {
			p.OldRepo = v.OldPackage.DB
		}
		return protocol.SignalAskReplacePkg, p, true

	case engine.ConflictPkgQuestion:
		reason := v.Reason
		if reason == v.Package1 || reason == v.Package2 {
			reason = ""
		}
		return protocol.SignalAskConflictPkg, &protocol.AskConflictPkgPayload{
			Package1: v.Package1,
			Package2: v.Package2,
			Reason:   reason,
		}, true

	case engine.RemovePkgsQuestion:
		names := make([]string, 0, len(v.Packages))
		for _, p := range v.Packages {
			names = append(names, pkgName(p))
		}
		return protocol.SignalAskRemovePkgs, &protocol.AskRemovePkgsPayload{Packages: names}, true

	case engine.SelectProviderQuestion:
		// Answers index v.Providers, so a missing candidate keeps its slot.
		providers := make([]protocol.Provider, 0, len(v.Providers))
		for _, p := range v.Providers {
			if p == nil {
				providers = append(providers, protocol.Provider{})
				continue
			}
			providers = append(providers, protocol.Provider{Repo: p.DB, Name: p.Name, Version: p.Version})
		}
		return protocol.SignalAskSelectProvider, &protocol.AskSelectProviderPayload{
			Depend:    v.Depend.String(),
			Providers: providers,
		}, true

	case engine.CorruptedPkgQuestion:
		return protocol.SignalAskCorruptedPkg, &protocol.AskCorruptedPkgPayload{
			File:  v.Filepath,
			Error: v.Reason.Description(),
		}, true

	case engine.ImportKeyQuestion:
		return protocol.SignalAskImportKey, &protocol.AskImportKeyPayload{
			Fingerprint: v.Key.Fingerprint,
			UID:         v.Key.UID,
			Created:     v.Key.Created.Format("2006-01-02"),
		}, true
	}
	return "", nil, false
}

func pkgName(p *engine.Package) string {
	if p == nil {
		return ""
	}
	return p.Name
}
