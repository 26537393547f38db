package dashboard

// HTML templates for the dashboard pages.
// These are embedded as strings and parsed at runtime.

const layoutTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>spin-node</title>
    <script src="https://cdn.tailwindcss.com"></script>
    <style>
        .mono { font-family: ui-monospace, SFMono-Regular, Menlo, Monaco, Consolas, monospace; }
    </style>
</head>
<body class="bg-gray-900 text-gray-100 min-h-screen">
    <nav class="bg-gray-800 border-b border-gray-700">
        <div class="container mx-auto px-4 flex items-center h-16 space-x-8">
            <a href="/" class="text-xl font-bold text-white">spin-node</a>
            <a href="/" class="text-sm {{if eq .PageName "home"}}text-white{{else}}text-gray-400{{end}}">Overview</a>
            <a href="/blocks" class="text-sm {{if eq .PageName "blocks"}}text-white{{else}}text-gray-400{{end}}">Blocks</a>
            <a href="/accounts" class="text-sm {{if eq .PageName "account"}}text-white{{else}}text-gray-400{{end}}">Accounts</a>
        </div>
    </nav>
    <main class="container mx-auto px-4 py-6">
        {{.Content}}
    </main>
    <script>
        // Auto-refresh counters on the overview page
        if (window.location.pathname === '/') {
            setInterval(async () => {
                try {
                    const data = await (await fetch('/api/status')).json();
                    for (const key of ['height', 'pendingTxs', 'blocksProduced', 'txsProcessed', 'txsFailed', 'uptime']) {
                        const el = document.getElementById(key);
                        if (el) el.textContent = data[key]?.toLocaleString() ?? '0';
                    }
                } catch (e) {
                    console.error('Failed to fetch status:', e);
                }
            }, 5000);
        }
    </script>
</body>
</html>`

const homeTemplate = `
<div class="space-y-6">
    <div class="grid grid-cols-1 md:grid-cols-3 gap-4">
        <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
            <p class="text-gray-400 text-sm">Height</p>
            <p class="text-3xl font-bold mt-1" id="height">{{.Height}}</p>
            <p class="mono text-xs text-gray-500 mt-1">{{truncateHash .LatestHash 8}}</p>
        </div>
        <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
            <p class="text-gray-400 text-sm">Production</p>
            <p class="text-3xl font-bold mt-1 {{if .IsRunning}}text-green-500{{else}}text-yellow-500{{end}}">{{.ProductionStatus}}</p>
            <p class="text-sm text-gray-500 mt-1"><span id="pendingTxs">{{.PendingTxs}}</span> pending</p>
        </div>
        <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
            <p class="text-gray-400 text-sm">Uptime</p>
            <p class="text-3xl font-bold mt-1" id="uptime">{{.Uptime}}</p>
            <p class="text-sm text-gray-500 mt-1">{{.Engine}} engine</p>
        </div>
    </div>
    <div class="grid grid-cols-1 md:grid-cols-4 gap-4">
        <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
            <p class="text-gray-400 text-sm">Blocks Produced</p>
            <p class="text-2xl font-bold mt-1" id="blocksProduced">{{formatNumber .BlocksProduced}}</p>
        </div>
        <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
            <p class="text-gray-400 text-sm">Transactions</p>
            <p class="text-2xl font-bold mt-1" id="txsProcessed">{{formatNumber .TxsProcessed}}</p>
        </div>
        <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
            <p class="text-gray-400 text-sm">Failed</p>
            <p class="text-2xl font-bold mt-1" id="txsFailed">{{formatNumber .TxsFailed}}</p>
        </div>
        <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
            <p class="text-gray-400 text-sm">Last Block Time</p>
            <p class="text-2xl font-bold mt-1">{{printf "%.2f" .LastBlockTimeMs}} ms</p>
            <p class="text-sm text-gray-500 mt-1">{{.CachedPrograms}} cached programs</p>
        </div>
    </div>
    {{if .LastError}}
    <div class="bg-red-900/50 border border-red-500 rounded-lg p-4">
        <span class="text-red-200 text-sm">{{.LastError}}</span>
    </div>
    {{end}}
</div>
`

const blocksTemplate = `
<div class="space-y-6">
    <h1 class="text-2xl font-bold">Recent Blocks</h1>
    <div class="bg-gray-800 rounded-lg border border-gray-700 overflow-hidden">
        <table class="w-full">
            <thead class="bg-gray-700/50 text-xs text-gray-400 uppercase">
                <tr>
                    <th class="px-6 py-3 text-left">Height</th>
                    <th class="px-6 py-3 text-left">Hash</th>
                    <th class="px-6 py-3 text-left">Transactions</th>
                    <th class="px-6 py-3 text-left">Time</th>
                </tr>
            </thead>
            <tbody class="divide-y divide-gray-700">
                {{range .Blocks}}
                <tr>
                    <td class="px-6 py-4"><a href="/blocks/{{.Height}}" class="text-blue-400">{{.Height}}</a></td>
                    <td class="px-6 py-4 mono text-sm text-gray-300">{{truncateHash .Hash 8}}</td>
                    <td class="px-6 py-4 text-gray-300">{{.TransactionCount}}</td>
                    <td class="px-6 py-4 text-gray-400 text-sm">{{formatTime .Timestamp}}</td>
                </tr>
                {{else}}
                <tr><td colspan="4" class="px-6 py-8 text-center text-gray-500">No blocks found</td></tr>
                {{end}}
            </tbody>
        </table>
    </div>
    {{if gt .TotalPages 1}}
    <div class="flex items-center justify-between text-sm text-gray-400">
        <span>Page {{.CurrentPage}} of {{.TotalPages}}</span>
        <span class="space-x-2">
            {{if .HasPrev}}<a href="/blocks?page={{.PrevPage}}" class="px-4 py-2 bg-gray-700 rounded">Previous</a>{{end}}
            {{if .HasNext}}<a href="/blocks?page={{.NextPage}}" class="px-4 py-2 bg-gray-700 rounded">Next</a>{{end}}
        </span>
    </div>
    {{end}}
</div>
`

const blockDetailTemplate = `
<div class="space-y-6">
    {{if .Error}}
    <div class="bg-red-900/50 border border-red-500 rounded-lg p-4"><p class="text-red-200">{{.Error}}</p></div>
    <a href="/blocks" class="text-blue-400">&larr; Back to blocks</a>
    {{else}}
    <h1 class="text-2xl font-bold">Block {{.Block.Height}}</h1>
    <div class="bg-gray-800 rounded-lg p-6 border border-gray-700 grid grid-cols-1 md:grid-cols-2 gap-4 text-sm">
        <div><p class="text-gray-400">Hash</p><p class="mono break-all">{{.Block.Hash}}</p></div>
        <div><p class="text-gray-400">Parent</p><p class="mono break-all">{{.Block.ParentHash}}</p></div>
        <div><p class="text-gray-400">Time</p><p>{{formatTime .Block.Timestamp}}</p></div>
        <div><p class="text-gray-400">Transactions</p><p>{{.Block.TransactionCount}}</p></div>
    </div>
    {{if .Block.Transactions}}
    <div class="bg-gray-800 rounded-lg border border-gray-700 overflow-hidden">
        <table class="w-full text-sm">
            <thead class="bg-gray-700/50 text-xs text-gray-400 uppercase">
                <tr>
                    <th class="px-6 py-3 text-left">Hash</th>
                    <th class="px-6 py-3 text-left">Call</th>
                    <th class="px-6 py-3 text-left">Signer</th>
                    <th class="px-6 py-3 text-left">Status</th>
                    <th class="px-6 py-3 text-left">Gas</th>
                </tr>
            </thead>
            <tbody class="divide-y divide-gray-700">
                {{range .Block.Transactions}}
                <tr>
                    <td class="px-6 py-4 mono"><a href="/transactions/{{.Hash}}" class="text-blue-400">{{truncateHash .Hash 8}}</a></td>
                    <td class="px-6 py-4 mono">{{.Contract}}.{{.Method}}</td>
                    <td class="px-6 py-4 mono">{{.Signer}}</td>
                    <td class="px-6 py-4">{{if .Success}}<span class="text-green-500">Success</span>{{else}}<span class="text-red-500">{{.Kind}}</span>{{end}}</td>
                    <td class="px-6 py-4">{{formatNumber .GasUsed}}</td>
                </tr>
                {{end}}
            </tbody>
        </table>
    </div>
    {{end}}
    {{end}}
</div>
`

const accountTemplate = `
<div class="space-y-6">
    <form action="/accounts" method="get" class="flex space-x-2">
        <input type="text" name="q" value="{{.Query}}" placeholder="Account ID" class="flex-1 bg-gray-800 border border-gray-700 rounded px-4 py-2 mono">
        <button type="submit" class="px-4 py-2 bg-blue-600 rounded">Search</button>
    </form>
    {{if .Error}}
    <div class="bg-red-900/50 border border-red-500 rounded-lg p-4"><p class="text-red-200">{{.Error}}</p></div>
    {{end}}
    {{with .Account}}
    <div class="bg-gray-800 rounded-lg p-6 border border-gray-700 grid grid-cols-1 md:grid-cols-2 gap-4 text-sm">
        <div><p class="text-gray-400">ID</p><p class="mono">{{.ID}}</p></div>
        <div><p class="text-gray-400">Address</p><p class="mono">{{.Address}}</p></div>
        <div><p class="text-gray-400">Balance</p><p>{{.Balance}}</p></div>
        <div><p class="text-gray-400">Nonce</p><p>{{.Nonce}}</p></div>
        <div><p class="text-gray-400">Code</p><p class="mono break-all">{{if .HasCode}}{{.CodeHash}}{{else}}none{{end}}</p></div>
        <div><p class="text-gray-400">Public Key</p><p class="mono break-all">{{.PublicKey}}</p></div>
    </div>
    {{end}}
</div>
`

const transactionTemplate = `
<div class="space-y-6">
    {{if .Error}}
    <div class="bg-red-900/50 border border-red-500 rounded-lg p-4"><p class="text-red-200">{{.Error}}</p></div>
    {{else}}
    {{with .Transaction}}
    <h1 class="text-2xl font-bold">Transaction</h1>
    <div class="bg-gray-800 rounded-lg p-6 border border-gray-700 grid grid-cols-1 md:grid-cols-2 gap-4 text-sm">
        <div><p class="text-gray-400">Hash</p><p class="mono break-all">{{.Hash}}</p></div>
        <div><p class="text-gray-400">Block</p><p><a href="/blocks/{{.Height}}" class="text-blue-400">{{.Height}}</a></p></div>
        <div><p class="text-gray-400">Call</p><p class="mono">{{.Contract}}.{{.Method}}</p></div>
        <div><p class="text-gray-400">Signer</p><p class="mono">{{.Signer}}</p></div>
        <div><p class="text-gray-400">Status</p><p>{{if .Success}}<span class="text-green-500">Success</span>{{else}}<span class="text-red-500">{{.Kind}}</span> {{.Error}}{{end}}</p></div>
        <div><p class="text-gray-400">Gas</p><p>{{formatNumber .GasUsed}} of {{formatNumber .AttachedGas}}</p></div>
        <div><p class="text-gray-400">Cycles</p><p>{{formatNumber .Cycles}} in {{len .Segments}} segments</p></div>
        <div><p class="text-gray-400">Calls</p><p>{{.Calls}}</p></div>
        {{if .ArgsHex}}<div class="md:col-span-2"><p class="text-gray-400">Args</p><p class="mono break-all">{{.ArgsHex}}</p></div>{{end}}
        {{if .OutputHex}}<div class="md:col-span-2"><p class="text-gray-400">Output</p><p class="mono break-all">{{.OutputHex}}</p></div>{{end}}
    </div>
    {{if .Logs}}
    <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
        <h2 class="text-lg font-semibold mb-2">Logs</h2>
        <pre class="mono text-sm text-gray-300">{{range .Logs}}{{.}}
{{end}}</pre>
    </div>
    {{end}}
    {{end}}
    {{end}}
</div>
`
