package browser

// DOM helper scripts shared by every driver. They are plain function declarations passed to
// Driver.Evaluate; the element argument, when present, is always the first parameter.
// Element helpers throw when the node has left the document so drivers can surface
// ErrStaleReference.
const (
	// StaleMarker is the message thrown by the element helpers for a detached node.
	StaleMarker = "stagehand:stale-element"

	ScriptScrollIntoView = `function(el) {
	if (!el.isConnected) { throw new Error('stagehand:stale-element'); }
	el.scrollIntoView({block: 'center', inline: 'center'});
	return true;
}`

	// ScriptClick is the direct DOM click used when native input is intercepted.
	ScriptClick = `function(el) {
	if (!el.isConnected) { throw new Error('stagehand:stale-element'); }
	el.click();
	return true;
}`

	ScriptReadValue = `function(el) {
	if (!el.isConnected) { throw new Error('stagehand:stale-element'); }
	return ('value' in el) ? String(el.value) : String(el.textContent || '');
}`

	// ScriptSetValue assigns through the native setter so framework-controlled inputs notice,
	// then dispatches input and change.
	ScriptSetValue = `function(el, value) {
	if (!el.isConnected) { throw new Error('stagehand:stale-element'); }
	const proto = Object.getPrototypeOf(el);
	const desc = Object.getOwnPropertyDescriptor(proto, 'value');
	if (desc && desc.set) { desc.set.call(el, value); } else { el.value = value; }
	el.dispatchEvent(new Event('input', {bubbles: true}));
	el.dispatchEvent(new Event('change', {bubbles: true}));
	return String(el.value);
}`

	ScriptFocus = `function(el) {
	if (!el.isConnected) { throw new Error('stagehand:stale-element'); }
	el.focus();
	return true;
}`

	ScriptBlur = `function(el) {
	if (!el.isConnected) { throw new Error('stagehand:stale-element'); }
	el.blur();
	return true;
}`

	// ScriptText returns the visible text of a region plus the values of any inputs inside it.
	ScriptText = `function(el) {
	if (!el.isConnected) { throw new Error('stagehand:stale-element'); }
	const parts = [el.innerText || el.textContent || ''];
	if ('value' in el && el.value) { parts.push(String(el.value)); }
	el.querySelectorAll('input, textarea').forEach(function(i) { if (i.value) { parts.push(String(i.value)); } });
	return parts.join('\n');
}`

	ScriptAttribute = `function(el, name) {
	if (!el.isConnected) { throw new Error('stagehand:stale-element'); }
	return el.getAttribute(name);
}`

	ScriptChecked = `function(el) {
	if (!el.isConnected) { throw new Error('stagehand:stale-element'); }
	if ('checked' in el) { return !!el.checked; }
	return el.getAttribute('aria-checked') === 'true';
}`

	ScriptReadyState = `function() { return document.readyState; }`

	ScriptVisible = `function(el) {
	if (!el.isConnected) { throw new Error('stagehand:stale-element'); }
	const r = el.getBoundingClientRect();
	if (r.width === 0 || r.height === 0) { return false; }
	const s = window.getComputedStyle(el);
	return s.visibility !== 'hidden' && s.display !== 'none' && s.opacity !== '0';
}`

	ScriptEnabled = `function(el) {
	if (!el.isConnected) { throw new Error('stagehand:stale-element'); }
	if (el.disabled) { return false; }
	return el.getAttribute('aria-disabled') !== 'true';
}`
)
