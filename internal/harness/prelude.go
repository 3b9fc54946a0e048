package harness

// prelude builds the page object from host primitives. Host calls block,
// so every method resolves as soon as the call returns. promptUser stays in
// JavaScript so that checkFn may be async.
const prelude = `(function (host) {
  function toExpression(script, arg) {
    if (typeof script === 'function') {
      var argument = arg === undefined ? '' : JSON.stringify(arg);
      return '(' + script.toString() + ')(' + argument + ')';
    }
    return String(script);
  }

  var page = {
    goto: async function (url) { host.goto(String(url)); },
    evaluate: async function (script, arg) { return host.evaluate(toExpression(script, arg)); },
    sleep: async function (ms) { host.sleep(ms); },
    setData: async function (key, value) { host.setData(String(key), value); },
    setProgress: async function (progress) { host.setProgress(progress || {}); },
    promptUser: async function (message, checkFn, interval) {
      if (interval === undefined) interval = 2000;
      host.promptStarted(String(message));
      for (;;) {
        host.sleep(interval);
        try {
          if (await checkFn()) {
            host.promptDone();
            return;
          }
        } catch (e) {
          // keep waiting
        }
      }
    },
    captureNetwork: async function (config) { host.captureNetwork(config || {}); },
    getCapturedResponse: async function (key) { return host.getCapturedResponse(String(key)); },
    clearNetworkCaptures: async function () { host.clearNetworkCaptures(); },
    hasCapturedResponse: function (key) { return host.hasCapturedResponse(String(key)); },
    closeBrowser: async function () { host.closeBrowser(); },
    showBrowser: async function (url) { host.showBrowser(url === undefined || url === null ? '' : String(url)); },
    goHeadless: async function (url) { host.goHeadless(url === undefined || url === null ? '' : String(url)); },
    httpFetch: async function (url, options) { return host.httpFetch(String(url), options || {}); }
  };
  return Object.freeze(page);
})`
