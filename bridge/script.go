package bridge

// bindingName is the host-callable function the browser exposes to the page;
// fetchFn is the page-side relay installed by relayScript. Both live on the
// page's window for the process lifetime.
const (
	bindingName = "__bcRelay"
	fetchFn     = "window.__bcFetch"
)

// relayScript installs the page-side half of the bridge. It throws when the
// relay is already present so a double install surfaces as a detectable
// error rather than silently replacing in-flight state.
const relayScript = `(() => {
	if (window.__bcFetch) {
		throw new Error("relay already installed");
	}
	window.__bcFetch = async (token, opts) => {
		const post = (msg) => window.__bcRelay(JSON.stringify(Object.assign({ token }, msg)));
		try {
			const body = opts.body
				? Uint8Array.from(atob(opts.body), (c) => c.charCodeAt(0))
				: undefined;
			const resp = await fetch(opts.url, {
				method: opts.method,
				headers: opts.headers,
				body,
				credentials: "include",
			});
			const headers = {};
			resp.headers.forEach((v, k) => { headers[k] = v; });
			post({ kind: "meta", status: resp.status, headers });
			const reader = resp.body.getReader();
			const dec = new TextDecoder();
			for (;;) {
				const { done, value } = await reader.read();
				if (done) break;
				post({ kind: "chunk", data: dec.decode(value, { stream: true }) });
			}
			post({ kind: "end" });
		} catch (err) {
			post({ kind: "error", error: String(err) });
		}
	};
})()`
